// Package agentroot resolves the fixed on-disk layout under <agent-root>
// and the two well-known paths that sit outside it (the sentinel and the
// queue directory). The agent root, the queue directory and the sentinel
// are overridable by environment variable; every other path is derived
// from the agent root.
package agentroot

import "os"

const (
	envAgentRoot = "RUN_DEPLOY_AGENT_ROOT"
	envQueueDir  = "RUN_DEPLOY_QUEUE_DIR"
	envSentinel  = "RUN_DEPLOY_SENTINEL"

	defaultAgentRoot = "/opt/run-deploy"
	defaultQueueDir  = "/tmp/run-deploy-queue"
	defaultSentinel  = "/tmp/run-deploy.path"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Root returns <agent-root>, defaulting to /opt/run-deploy.
func Root() string { return envOr(envAgentRoot, defaultAgentRoot) }

// QueueDir returns the privileged dispatcher's queue-marker directory.
func QueueDir() string { return envOr(envQueueDir, defaultQueueDir) }

// SentinelPath returns the trigger-sentinel file path watched by the
// privileged worker.
func SentinelPath() string { return envOr(envSentinel, defaultSentinel) }

// MinisignDir is <agent-root>/minisign, holding one <key-ref>.pub per
// admissible caller.
func MinisignDir(root string) string { return root + "/minisign" }

// PermissionDir is <agent-root>/permission, holding one <key-ref>.toml
// policy file per caller that has been provisioned one.
func PermissionDir(root string) string { return root + "/permission" }

// ImageDir is <agent-root>/image, the parent of every image's revision
// directory.
func ImageDir(root string) string { return root + "/image" }

// ScriptDeployDir is <agent-root>/script/deploy, holding the operator-
// supplied per-image deploy hooks invoked by strict-mode activation
// scripts.
func ScriptDeployDir(root string) string { return root + "/script/deploy" }

// ExecDir is <agent-root>/exec, holding the admin-only named scripts the
// "exec" and "list-exec" verbs expose.
func ExecDir(root string) string { return root + "/exec" }

// StrictModeMarker is <agent-root>/options/strict; its mere existence
// switches the Image Ingestion Pipeline into strict revision-naming mode.
func StrictModeMarker(root string) string { return root + "/options/strict" }

package cliverbs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"run-deploy/internal/agenterr"
	"run-deploy/internal/permission"
	"run-deploy/internal/revision"
	"run-deploy/internal/target"
)

func isKind(err error, kind agenterr.Kind) bool {
	var ae *agenterr.Error
	return errors.As(err, &ae) && ae.Kind == kind
}

type fakeIncus struct{ names []string }

func (f fakeIncus) ListNames(context.Context) ([]string, error) { return f.names, nil }

func newEnv(t *testing.T, policy string) (*Environment, string) {
	t.Helper()
	agentRoot := t.TempDir()
	permDir := t.TempDir()
	if policy != "" {
		if err := os.WriteFile(filepath.Join(permDir, "alice@lap.toml"), []byte(policy), 0o644); err != nil {
			t.Fatalf("write policy: %v", err)
		}
	}
	env := &Environment{
		AgentRoot:   agentRoot,
		Edition:     permission.EditionMetal,
		KeyRef:      "alice@lap",
		LocalTarget: target.NewLocal(),
		Permission:  permission.NewEngine(permDir),
	}
	return env, agentRoot
}

func seedRevision(t *testing.T, agentRoot, image, stem, blame string) {
	t.Helper()
	store := revision.New(target.NewLocal(), agentRoot)
	script := "#!/bin/sh\ncd " + filepath.Join(agentRoot, "image", image) + "\nln -sf " + stem + ".squashfs " + image + ".squashfs\n"
	if err := store.Install(context.Background(), image, stem, []byte("squashfs"), []byte(script), blame); err != nil {
		t.Fatalf("seed revision: %v", err)
	}
}

func TestEditionVerb(t *testing.T) {
	t.Parallel()
	env, _ := newEnv(t, "")
	out, err := Run(context.Background(), env, Request{Verb: "edition"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "remote-metal" {
		t.Fatalf("got %q", out)
	}
}

func TestLastDeployRequiresReadAccess(t *testing.T) {
	t.Parallel()
	env, root := newEnv(t, "") // no policy file at all -> denied
	seedRevision(t, root, "api", "api-2026-01-01_00-00-00", "alice@lap")

	_, err := Run(context.Background(), env, Request{Verb: "last-deploy", Image: "api"})
	if !isKind(err, agenterr.KindPermission) {
		t.Fatalf("expected PERMISSION, got %v", err)
	}
}

func TestLastDeployAndBlameAndListRevision(t *testing.T) {
	t.Parallel()
	env, root := newEnv(t, "read-access = true\n")
	seedRevision(t, root, "api", "api-2026-01-01_00-00-00", "alice@lap")

	stem, err := Run(context.Background(), env, Request{Verb: "last-deploy", Image: "api"})
	if err != nil {
		t.Fatalf("last-deploy: %v", err)
	}
	if stem != "api-2026-01-01_00-00-00" {
		t.Fatalf("got %q", stem)
	}

	blame, err := Run(context.Background(), env, Request{Verb: "last-deploy-blame", Image: "api"})
	if err != nil {
		t.Fatalf("last-deploy-blame: %v", err)
	}
	if blame != "alice@lap" {
		t.Fatalf("got %q", blame)
	}

	listing, err := Run(context.Background(), env, Request{Verb: "list-revision", Image: "api"})
	if err != nil {
		t.Fatalf("list-revision: %v", err)
	}
	if !strings.Contains(listing, "*CURRENT*") {
		t.Fatalf("expected current marker in listing: %q", listing)
	}
}

func TestRevertRequiresFullAccess(t *testing.T) {
	t.Parallel()
	env, root := newEnv(t, "read-access = true\n")
	seedRevision(t, root, "api", "api-2026-01-01_00-00-00", "alice@lap")

	_, err := Run(context.Background(), env, Request{Verb: "revert", Image: "api", Revision: "api-2026-01-01_00-00-00"})
	if !isKind(err, agenterr.KindPermission) {
		t.Fatalf("expected PERMISSION for read-only key-ref attempting revert, got %v", err)
	}
}

func TestRevertWithFullAccessActivates(t *testing.T) {
	t.Parallel()
	env, root := newEnv(t, "full-access = true\n")
	seedRevision(t, root, "api", "api-2026-01-01_00-00-00", "alice@lap")

	out, err := Run(context.Background(), env, Request{Verb: "revert", Image: "api", Revision: "api-2026-01-01_00-00-00"})
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if !strings.Contains(out, "reverted") {
		t.Fatalf("got %q", out)
	}
}

func TestRevertIsIdempotent(t *testing.T) {
	t.Parallel()
	env, root := newEnv(t, "full-access = true\n")
	seedRevision(t, root, "api", "api-2026-01-01_00-00-00", "alice@lap")
	seedRevision(t, root, "api", "api-2026-01-02_00-00-00", "alice@lap")

	req := Request{Verb: "revert", Image: "api", Revision: "api-2026-01-01_00-00-00"}
	if _, err := Run(context.Background(), env, req); err != nil {
		t.Fatalf("first revert: %v", err)
	}
	first, err := Run(context.Background(), env, Request{Verb: "last-deploy", Image: "api"})
	if err != nil {
		t.Fatalf("last-deploy after first revert: %v", err)
	}

	if _, err := Run(context.Background(), env, req); err != nil {
		t.Fatalf("second revert: %v", err)
	}
	second, err := Run(context.Background(), env, Request{Verb: "last-deploy", Image: "api"})
	if err != nil {
		t.Fatalf("last-deploy after second revert: %v", err)
	}

	if first != second || first != "api-2026-01-01_00-00-00" {
		t.Fatalf("expected two consecutive reverts to converge on the same current stem, got %q then %q", first, second)
	}
}

func TestExecVerbRequiresAdmin(t *testing.T) {
	t.Parallel()
	env, root := newEnv(t, "full-access = true\n")
	if err := os.MkdirAll(filepath.Join(root, "exec"), 0o755); err != nil {
		t.Fatalf("mkdir exec: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "exec", "restart"), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write exec script: %v", err)
	}

	_, err := Run(context.Background(), env, Request{Verb: "exec", Cmd: "restart"})
	if !isKind(err, agenterr.KindPermission) {
		t.Fatalf("expected PERMISSION for full-only key-ref calling exec, got %v", err)
	}
}

func TestExecVerbSucceedsForAdmin(t *testing.T) {
	t.Parallel()
	env, root := newEnv(t, "admin = true\n")
	if err := os.MkdirAll(filepath.Join(root, "exec"), 0o755); err != nil {
		t.Fatalf("mkdir exec: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "exec", "restart"), []byte("#!/bin/sh\necho done\n"), 0o755); err != nil {
		t.Fatalf("write exec script: %v", err)
	}

	out, err := Run(context.Background(), env, Request{Verb: "exec", Cmd: "restart"})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if out != "done\n" {
		t.Fatalf("got %q", out)
	}
}

func TestListIncusOnlyAvailableInContainerEdition(t *testing.T) {
	t.Parallel()
	env, _ := newEnv(t, "admin = true\n")
	_, err := Run(context.Background(), env, Request{Verb: "list-incus"})
	if !isKind(err, agenterr.KindCommandNotFound) {
		t.Fatalf("expected COMMAND_NOT_FOUND on metal edition, got %v", err)
	}

	env.Edition = permission.EditionContainer
	env.Incus = fakeIncus{names: []string{"b-box", "a-box"}}
	out, err := Run(context.Background(), env, Request{Verb: "list-incus"})
	if err != nil {
		t.Fatalf("list-incus: %v", err)
	}
	if out != "a-box\nb-box" {
		t.Fatalf("got %q", out)
	}
}

func TestUnknownVerb(t *testing.T) {
	t.Parallel()
	env, _ := newEnv(t, "admin = true\n")
	_, err := Run(context.Background(), env, Request{Verb: "nonsense"})
	if !isKind(err, agenterr.KindCommandNotFound) {
		t.Fatalf("expected COMMAND_NOT_FOUND, got %v", err)
	}
}

func TestPermissionJSONSnapshot(t *testing.T) {
	t.Parallel()
	env, _ := newEnv(t, "read-access = true\n")
	out, err := Run(context.Background(), env, Request{Verb: "permission-json", Image: "api"})
	if err != nil {
		t.Fatalf("permission-json: %v", err)
	}
	if out != `{"admin":false,"full":false,"read":true}` {
		t.Fatalf("got %q", out)
	}
}


// Package sigverify wraps the external minisign binary as a black-box
// signer: it is never reimplemented in Go, only invoked and its exit status
// interpreted, matching the original agent's
// `subprocess.run(["minisign", "-Vqm", ...])` contract.
package sigverify

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"run-deploy/internal/agenterr"
	"run-deploy/internal/nameguard"
)

// Gate binds the minisign binary path and the directory of trusted public
// keys (<agent-root>/minisign/<key-ref>.pub).
type Gate struct {
	MinisignBin string
	KeyDir      string
}

// NewGate builds a Gate, defaulting the binary path to "minisign" (resolved
// via PATH) unless RUN_DEPLOY_MINISIGN_BIN overrides it — the same
// env-var-override-with-PATH-fallback idiom the reference codebase uses for
// every external tool it shells out to.
func NewGate(keyDir string) *Gate {
	bin := os.Getenv("RUN_DEPLOY_MINISIGN_BIN")
	if bin == "" {
		bin = "minisign"
	}
	return &Gate{MinisignBin: bin, KeyDir: keyDir}
}

// BindKeyRef validates the key-ref grammar and returns the path to its
// public key file. Pure path construction; performs no I/O.
func (g *Gate) BindKeyRef(keyRef string) (string, error) {
	if err := nameguard.KeyRef(keyRef); err != nil {
		return "", agenterr.Wrap(agenterr.KindKeyRefValidation, "invalid key-ref", err)
	}
	return g.KeyDir + "/" + keyRef + ".pub", nil
}

// VerifyFile verifies the detached signature at "<path>.minisig" over path
// under the named key-ref's public key.
//
// On success the sidecar signature file is removed. On failure both path and
// its sidecar are removed — refusing to leave attacker-controlled content in
// the drop directory — and the returned error is INVALID_SIGNATURE_AUTH.
// A missing public key file is reported as INVALID_SIGNATURE_AUTH too: per
// the data model, an inadmissible key-ref is a fatal authentication failure,
// not a silent denial.
func (g *Gate) VerifyFile(ctx context.Context, path, keyRef string) error {
	pubKeyPath, err := g.BindKeyRef(keyRef)
	if err != nil {
		return err
	}
	sidecar := path + ".minisig"

	if _, statErr := os.Stat(pubKeyPath); statErr != nil {
		g.removeBoth(path, sidecar)
		return agenterr.Wrap(agenterr.KindInvalidSignatureAuth, fmt.Sprintf("no public key for key-ref %q", keyRef), statErr)
	}

	cmd := exec.CommandContext(ctx, g.MinisignBin, "-Vqm", path, "-p", pubKeyPath)
	if runErr := cmd.Run(); runErr != nil {
		g.removeBoth(path, sidecar)
		return agenterr.Wrap(agenterr.KindInvalidSignatureAuth, fmt.Sprintf("signature verification failed for %q", path), runErr)
	}

	if rmErr := os.Remove(sidecar); rmErr != nil && !os.IsNotExist(rmErr) {
		return agenterr.Wrap(agenterr.KindInvalidSignatureAuth, "signature verified but sidecar cleanup failed", rmErr)
	}
	return nil
}

func (g *Gate) removeBoth(path, sidecar string) {
	_ = os.Remove(path)
	_ = os.Remove(sidecar)
}

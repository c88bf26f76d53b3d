package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"run-deploy/internal/agenterr"
	"run-deploy/internal/permission"
	"run-deploy/internal/sigverify"
	"run-deploy/internal/target"
)

func isKind(err error, kind agenterr.Kind) bool {
	var ae *agenterr.Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// fakeMounter stands in for squashfuse/umount: Mount copies a fixture
// directory's contents into the requested mount point, Unmount is a no-op.
type fakeMounter struct {
	fixtureDir string
	failMount  bool
}

func (f *fakeMounter) Mount(_ context.Context, _, mountPoint string) error {
	if f.failMount {
		return os.ErrInvalid
	}
	return filepath.Walk(f.fixtureDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(f.fixtureDir, p)
		if err != nil {
			return err
		}
		dest := filepath.Join(mountPoint, rel)
		if info.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		data, readErr := os.ReadFile(p) // #nosec G304 -- test fixture walk
		if readErr != nil {
			return readErr
		}
		return os.WriteFile(dest, data, 0o644)
	})
}

func (f *fakeMounter) Unmount(context.Context, string) error { return nil }

func writeFakeMinisignBin(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "minisign")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write fake minisign: %v", err)
	}
	return path
}

func buildFixtureImage(t *testing.T, hostname string) (squashfsPath string, fixtureDir string) {
	t.Helper()
	fixtureDir = t.TempDir()
	deployDir := filepath.Join(fixtureDir, "_deploy")
	if err := os.MkdirAll(deployDir, 0o755); err != nil {
		t.Fatalf("mkdir _deploy: %v", err)
	}
	manifestBody := `{"` + hostname + `":{"image-dir":"api","exec":"api-init"}}`
	if err := os.WriteFile(filepath.Join(deployDir, "push.json"), []byte(manifestBody), 0o644); err != nil {
		t.Fatalf("write push.json: %v", err)
	}
	if err := os.WriteFile(filepath.Join(deployDir, "api-init"), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write exec script: %v", err)
	}

	dropDir := t.TempDir()
	squashfsPath = filepath.Join(dropDir, "api.squashfs")
	if err := os.WriteFile(squashfsPath, []byte("fake-squashfs-bytes"), 0o644); err != nil {
		t.Fatalf("write squashfs: %v", err)
	}
	if err := os.WriteFile(squashfsPath+".minisig", []byte("sig"), 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}
	return squashfsPath, fixtureDir
}

func buildPipeline(t *testing.T, fixtureDir string, permissionDir string) *Pipeline {
	t.Helper()
	keyDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(keyDir, "alice@lap.pub"), []byte("pub"), 0o644); err != nil {
		t.Fatalf("write pub key: %v", err)
	}
	gate := sigverify.NewGate(keyDir)
	gate.MinisignBin = writeFakeMinisignBin(t)

	agentRoot := t.TempDir()
	return &Pipeline{
		Gate:       gate,
		Permission: permission.NewEngine(permissionDir),
		Target:     target.NewLocal(),
		Mount:      &fakeMounter{fixtureDir: fixtureDir},
		AgentRoot:  agentRoot,
		Hostname:   "this-host",
		Edition:    permission.EditionMetal,
	}
}

func TestRunFullPipelineMetalEdition(t *testing.T) {
	t.Parallel()
	squashfsPath, fixtureDir := buildFixtureImage(t, "this-host")

	permissionDir := t.TempDir()
	policy := "full-access = true\n"
	if err := os.WriteFile(filepath.Join(permissionDir, "alice@lap.toml"), []byte(policy), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	p := buildPipeline(t, fixtureDir, permissionDir)
	outcome, err := p.Run(context.Background(), Request{SquashfsPath: squashfsPath, KeyRef: "alice@lap"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Image != "api" {
		t.Fatalf("got image %q", outcome.Image)
	}
	if outcome.RevisionStem != "api" {
		t.Fatalf("expected non-strict revision stem to equal the uploaded file's stem, got %q", outcome.RevisionStem)
	}

	revisionDir := filepath.Join(p.AgentRoot, "image", "api")
	if _, err := os.Stat(filepath.Join(revisionDir, "api.squashfs")); err != nil {
		t.Fatalf("expected squashfs installed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(revisionDir, "api.blame")); err != nil {
		t.Fatalf("expected blame file installed: %v", err)
	}
}

func TestRunStrictModeRewritesStem(t *testing.T) {
	t.Parallel()
	squashfsPath, fixtureDir := buildFixtureImage(t, "this-host")
	permissionDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(permissionDir, "alice@lap.toml"), []byte("full-access = true\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	p := buildPipeline(t, fixtureDir, permissionDir)
	if err := os.MkdirAll(filepath.Join(p.AgentRoot, "options"), 0o755); err != nil {
		t.Fatalf("mkdir options: %v", err)
	}
	if err := os.WriteFile(filepath.Join(p.AgentRoot, "options", "strict"), nil, 0o644); err != nil {
		t.Fatalf("write strict marker: %v", err)
	}
	hookDir := filepath.Join(p.AgentRoot, "script", "deploy")
	if err := os.MkdirAll(hookDir, 0o755); err != nil {
		t.Fatalf("mkdir hook dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(hookDir, "api"), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write deploy hook: %v", err)
	}

	outcome, err := p.Run(context.Background(), Request{SquashfsPath: squashfsPath, KeyRef: "alice@lap"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.RevisionStem == "api" {
		t.Fatalf("expected strict mode to produce a timestamped stem, got %q", outcome.RevisionStem)
	}
}

func TestRunDeniesWithoutPermission(t *testing.T) {
	t.Parallel()
	squashfsPath, fixtureDir := buildFixtureImage(t, "this-host")
	permissionDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(permissionDir, "alice@lap.toml"), []byte("read-access = true\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	p := buildPipeline(t, fixtureDir, permissionDir)
	_, err := p.Run(context.Background(), Request{SquashfsPath: squashfsPath, KeyRef: "alice@lap"})
	if !isKind(err, agenterr.KindPermission) {
		t.Fatalf("expected PERMISSION, got %v", err)
	}
}

func TestRunMissingManifestInImage(t *testing.T) {
	t.Parallel()
	fixtureDir := t.TempDir() // no _deploy/push.json at all
	dropDir := t.TempDir()
	squashfsPath := filepath.Join(dropDir, "api.squashfs")
	os.WriteFile(squashfsPath, []byte("payload"), 0o644)
	os.WriteFile(squashfsPath+".minisig", []byte("sig"), 0o644)

	p := buildPipeline(t, fixtureDir, t.TempDir())
	_, err := p.Run(context.Background(), Request{SquashfsPath: squashfsPath, KeyRef: "alice@lap"})
	if !isKind(err, agenterr.KindManifestNotExist) {
		t.Fatalf("expected MANIFEST_NOT_EXIST, got %v", err)
	}
}

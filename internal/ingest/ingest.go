// Package ingest orchestrates the Image Ingestion Pipeline: taking a signed
// squashfs file that just landed on the host, verifying it, mounting it to
// read its manifest, checking permission, and handing the three revision
// artifacts to the Revision Store.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"run-deploy/internal/agenterr"
	"run-deploy/internal/agentroot"
	"run-deploy/internal/manifest"
	"run-deploy/internal/nameguard"
	"run-deploy/internal/permission"
	"run-deploy/internal/revision"
	"run-deploy/internal/sigverify"
	"run-deploy/internal/target"
)

// Mounter abstracts the external squashfs-mount tool so it can be swapped
// for a fake in tests. Real wiring shells out to squashfuse/umount.
type Mounter interface {
	Mount(ctx context.Context, imagePath, mountPoint string) error
	Unmount(ctx context.Context, mountPoint string) error
}

// Pipeline holds everything the ingestion needs beyond the request itself.
type Pipeline struct {
	Gate        *sigverify.Gate
	Permission  *permission.Engine
	Target      target.Target
	Mount       Mounter
	AgentRoot   string
	Hostname    string
	Edition     permission.Edition
	ContainerOf func(incusName string) target.Target // only used in container edition
}

// Request is one call to Run.
type Request struct {
	SquashfsPath string // absolute path to the landed, signed .squashfs file
	KeyRef       string
}

// Outcome is the result of a successful ingestion.
type Outcome struct {
	Image        string
	RevisionStem string
}

func (p *Pipeline) strictModePath() string {
	return agentroot.StrictModeMarker(p.AgentRoot)
}

func (p *Pipeline) strictModeEnabled() bool {
	_, err := os.Stat(p.strictModePath())
	return err == nil
}

// Run executes the full 13-step pipeline from the data model.
func (p *Pipeline) Run(ctx context.Context, req Request) (Outcome, error) {
	// 1. key-ref grammar + pub key path.
	if err := nameguard.KeyRef(req.KeyRef); err != nil {
		return Outcome{}, agenterr.Wrap(agenterr.KindKeyRefValidation, "invalid key-ref", err)
	}
	if !strings.HasSuffix(req.SquashfsPath, ".squashfs") {
		return Outcome{}, agenterr.New(agenterr.KindArgument, "image file name must end with .squashfs")
	}

	// 2. signature verification.
	if err := p.Gate.VerifyFile(ctx, req.SquashfsPath, req.KeyRef); err != nil {
		return Outcome{}, err
	}

	// 3. mount.
	mountPoint, err := os.MkdirTemp("/tmp", "run-deploy-mount-")
	if err != nil {
		return Outcome{}, agenterr.Wrap(agenterr.KindMount, "could not create mount point", err)
	}
	if err := os.Chmod(mountPoint, 0o700); err != nil {
		return Outcome{}, agenterr.Wrap(agenterr.KindMount, "could not secure mount point", err)
	}
	if err := p.Mount.Mount(ctx, req.SquashfsPath, mountPoint); err != nil {
		os.Remove(req.SquashfsPath)
		os.RemoveAll(mountPoint)
		return Outcome{}, agenterr.Wrap(agenterr.KindMount, "mount failed", err)
	}
	mounted := true
	defer func() {
		if mounted {
			_ = p.Mount.Unmount(ctx, mountPoint)
		}
		os.RemoveAll(mountPoint)
	}()

	// 4. manifest must exist inside the mount.
	manifestPath := path.Join(mountPoint, "_deploy", "push.json")
	if _, statErr := os.Stat(manifestPath); statErr != nil {
		os.Remove(req.SquashfsPath)
		return Outcome{}, agenterr.New(agenterr.KindManifestNotExist, "_deploy/push.json does not exist in image")
	}

	// 5. copy _deploy/ out, unmount, move the squashfs alongside it.
	stem := strings.TrimSuffix(filepath.Base(req.SquashfsPath), ".squashfs")
	workDir := filepath.Join(filepath.Dir(req.SquashfsPath), stem)
	if err := copyTree(path.Join(mountPoint, "_deploy"), workDir); err != nil {
		return Outcome{}, agenterr.Wrap(agenterr.KindMount, "could not copy _deploy payload", err)
	}
	if err := p.Mount.Unmount(ctx, mountPoint); err != nil {
		return Outcome{}, agenterr.Wrap(agenterr.KindMount, "unmount failed", err)
	}
	mounted = false
	if err := os.Rename(req.SquashfsPath, filepath.Join(workDir, filepath.Base(req.SquashfsPath))); err != nil {
		return Outcome{}, agenterr.Wrap(agenterr.KindMount, "could not relocate squashfs into working dir", err)
	}
	defer os.RemoveAll(workDir)

	// 6. parse push.json, select this host's section.
	mf, err := manifest.Load(filepath.Join(workDir, "push.json"))
	if err != nil {
		return Outcome{}, err
	}
	section, err := mf.SelectHost(p.Hostname, p.Edition == permission.EditionContainer)
	if err != nil {
		return Outcome{}, err
	}

	// 7. permission check.
	decision, err := p.Permission.Evaluate(permission.Request{
		KeyRef:    req.KeyRef,
		Container: section.IncusName,
		Image:     section.ImageDir,
		Edition:   p.Edition,
	})
	if err != nil {
		return Outcome{}, err
	}
	if !permission.MustBeFull(decision) {
		return Outcome{}, agenterr.New(agenterr.KindPermission,
			fmt.Sprintf("key-ref %q does not have full access to image %q", req.KeyRef, section.ImageDir))
	}

	// 8. (container edition) probe the container, ensure image dir exists.
	tgt := p.Target
	if p.Edition == permission.EditionContainer {
		tgt = p.ContainerOf(section.IncusName)
		if prober, ok := tgt.(interface{ Probe(context.Context) error }); ok {
			if err := prober.Probe(ctx); err != nil {
				return Outcome{}, agenterr.Wrap(agenterr.KindContainerNotExist, "container does not exist", err)
			}
		}
	}
	if err := tgt.MkdirAll(ctx, path.Join(p.AgentRoot, "image", section.ImageDir)); err != nil {
		return Outcome{}, agenterr.Wrap(agenterr.KindMount, "could not ensure image dir", err)
	}

	revisionStem := stem
	scriptName := section.Exec
	// 9. strict-mode rewrite.
	if p.strictModeEnabled() {
		revisionStem = canonicalStem(section.ImageDir, section.Stamp)
	}

	// 10. activation script must exist in the working dir.
	scriptPath := filepath.Join(workDir, scriptName)
	if _, err := os.Stat(scriptPath); err != nil {
		return Outcome{}, agenterr.New(agenterr.KindExecNotExist, fmt.Sprintf("activation script %q not found in image", scriptName))
	}
	scriptData, err := os.ReadFile(scriptPath) // #nosec G304 -- scriptName validated by manifest.SelectHost's grammar check
	if err != nil {
		return Outcome{}, agenterr.Wrap(agenterr.KindExecNotExist, "could not read activation script", err)
	}
	if p.strictModeEnabled() {
		scriptData = []byte(revision.ActivationScript(p.AgentRoot, section.ImageDir, revisionStem))
	}

	squashfsData, err := os.ReadFile(filepath.Join(workDir, filepath.Base(req.SquashfsPath))) // #nosec G304 -- fixed base name derived from the original argv path
	if err != nil {
		return Outcome{}, agenterr.Wrap(agenterr.KindMount, "could not read relocated squashfs", err)
	}

	// 11. install via the Revision Store (this also runs step 13's activation).
	store := revision.New(tgt, p.AgentRoot)
	if err := store.Install(ctx, section.ImageDir, revisionStem, squashfsData, scriptData, req.KeyRef); err != nil {
		return Outcome{}, agenterr.Wrap(agenterr.KindExecFail, "activation failed", err)
	}

	// 12. working dir cleanup runs via the deferred os.RemoveAll above.
	return Outcome{Image: section.ImageDir, RevisionStem: revisionStem}, nil
}

func canonicalStem(image string, stamp *int64) string {
	var t time.Time
	if stamp != nil {
		t = time.Unix(*stamp, 0).UTC()
	} else {
		t = time.Now().UTC()
	}
	return fmt.Sprintf("%s-%s", image, t.Format("2006-01-02_15-04-05"))
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		dest := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		data, err := os.ReadFile(p) // #nosec G304 -- walking a mount point this process just created
		if err != nil {
			return err
		}
		return os.WriteFile(dest, data, info.Mode().Perm())
	})
}

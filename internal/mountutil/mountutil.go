// Package mountutil wraps the external squashfuse/umount tools as the
// ingest package's Mounter, the same black-box-subprocess treatment the
// rest of the agent gives minisign and incus.
package mountutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Squashfuse mounts images read-only via the squashfuse FUSE driver and
// unmounts via the standard umount(8) tool.
type Squashfuse struct {
	MountBin  string
	UmountBin string
}

// New builds a Squashfuse mounter, overridable via RUN_DEPLOY_SQUASHFUSE_BIN
// and RUN_DEPLOY_UMOUNT_BIN for tests and non-standard installs.
func New() *Squashfuse {
	return &Squashfuse{
		MountBin:  envOr("RUN_DEPLOY_SQUASHFUSE_BIN", "squashfuse"),
		UmountBin: envOr("RUN_DEPLOY_UMOUNT_BIN", "umount"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Squashfuse) Mount(ctx context.Context, imagePath, mountPoint string) error {
	cmd := exec.CommandContext(ctx, s.MountBin, imagePath, mountPoint)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s %s: %w: %s", s.MountBin, imagePath, mountPoint, err, out)
	}
	return nil
}

func (s *Squashfuse) Unmount(ctx context.Context, mountPoint string) error {
	cmd := exec.CommandContext(ctx, s.UmountBin, mountPoint)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", s.UmountBin, mountPoint, err, out)
	}
	return nil
}

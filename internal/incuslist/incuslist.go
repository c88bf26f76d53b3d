// Package incuslist implements cliverbs.IncusLister against the real
// incus tool, for the "list-incus" verb on the container edition.
package incuslist

import (
	"context"
	"os"
	"os/exec"
	"strings"
)

// Lister shells out to `incus list --format csv -c n`.
type Lister struct {
	Bin string
}

func New() *Lister {
	bin := os.Getenv("RUN_DEPLOY_INCUS_BIN")
	if bin == "" {
		bin = "incus"
	}
	return &Lister{Bin: bin}
}

func (l *Lister) ListNames(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, l.Bin, "list", "--format", "csv", "-c", "n")
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

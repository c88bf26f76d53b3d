// Package retention implements the "spring-clean" cleaner: for every image
// directory, keep the newest N revisions and delete the rest.
package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"run-deploy/internal/target"
)

// DefaultKeep is the number of newest revisions kept per image when the
// caller does not override it.
const DefaultKeep = 20

// Cleaner enumerates every image directory under an agent root and prunes
// revisions beyond the newest Keep.
type Cleaner struct {
	Target    target.Target
	AgentRoot string
	Keep      int
}

// New builds a Cleaner with DefaultKeep; override Keep afterward if needed.
func New(t target.Target, agentRoot string) *Cleaner {
	return &Cleaner{Target: t, AgentRoot: agentRoot, Keep: DefaultKeep}
}

// Victim is one revision slated for deletion.
type Victim struct {
	Image string
	Stem  string
}

// Plan lists every victim across every image directory, without deleting
// anything. The current revision is never a victim: Plan resolves each
// image's current-pointer symlink and leaves that stem out of the victims
// even when a revert has made it older than the newest Keep revisions.
func (c *Cleaner) Plan(ctx context.Context) ([]Victim, error) {
	imageRoot := path.Join(c.AgentRoot, "image")
	imageNames, err := c.Target.ListDir(ctx, imageRoot)
	if err != nil {
		return nil, fmt.Errorf("list image directory: %w", err)
	}

	keep := c.Keep
	if keep <= 0 {
		keep = DefaultKeep
	}

	var victims []Victim
	for _, image := range imageNames {
		entries, err := c.Target.ListDir(ctx, path.Join(imageRoot, image))
		if err != nil {
			fmt.Fprintf(os.Stderr, "spring-clean: skipping image %s: %v\n", image, err)
			continue
		}
		current := ""
		if resolved, err := c.Target.Readlink(ctx, path.Join(imageRoot, image, image+".squashfs")); err == nil {
			current = strings.TrimSuffix(path.Base(resolved), ".squashfs")
		}
		var stems []string
		for _, name := range entries {
			if stem, ok := strings.CutSuffix(name, ".blame"); ok {
				stems = append(stems, stem)
			}
		}
		sort.Strings(stems)
		// Reverse to newest-first (ascending stems -> descending order).
		for i, j := 0, len(stems)-1; i < j; i, j = i+1, j-1 {
			stems[i], stems[j] = stems[j], stems[i]
		}
		if len(stems) > keep {
			for _, stem := range stems[keep:] {
				if stem == current {
					continue
				}
				victims = append(victims, Victim{Image: image, Stem: stem})
			}
		}
	}
	return victims, nil
}

// Apply deletes every victim's triple (script, squashfs, blame). A failed
// removal does not stop the remaining ones; every failure is returned,
// joined into one error.
func (c *Cleaner) Apply(ctx context.Context, victims []Victim) error {
	var errs []error
	for _, v := range victims {
		dir := path.Join(c.AgentRoot, "image", v.Image)
		for _, suffix := range []string{"", ".squashfs", ".blame"} {
			if err := c.Target.Remove(ctx, path.Join(dir, v.Stem+suffix)); err != nil {
				errs = append(errs, fmt.Errorf("remove %s/%s%s: %w", v.Image, v.Stem, suffix, err))
			}
		}
	}
	return errors.Join(errs...)
}

// DryRunScript renders the shell script Apply would otherwise execute,
// without touching the filesystem, matching the cleaner's --real-run /
// print-only split.
func DryRunScript(victims []Victim, agentRoot string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n\n")
	for _, v := range victims {
		dir := path.Join(agentRoot, "image", v.Image)
		fmt.Fprintf(&b, "rm '%s'\n", path.Join(dir, v.Stem+".blame"))
		fmt.Fprintf(&b, "rm '%s'\n", path.Join(dir, v.Stem))
		fmt.Fprintf(&b, "rm '%s'\n", path.Join(dir, v.Stem+".squashfs"))
	}
	return b.String()
}

// Run plans and, unless dryRun, applies the prune; it always returns the
// plan so callers can report what was (or would be) removed. Grounded on
// revision.Store's triple layout so the two packages never disagree about
// what one revision's on-disk footprint is.
func Run(ctx context.Context, c *Cleaner, dryRun bool) ([]Victim, string, error) {
	victims, err := c.Plan(ctx)
	if err != nil {
		return nil, "", err
	}
	if dryRun {
		return victims, DryRunScript(victims, c.AgentRoot), nil
	}
	if err := c.Apply(ctx, victims); err != nil {
		return victims, "", err
	}
	return victims, "", nil
}

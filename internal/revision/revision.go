// Package revision implements the on-disk Revision Store: the
// <agent-root>/image/<image>/ layout of squashfs/script/blame triples and
// the current-pointer symlink that names which one is live.
package revision

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"run-deploy/internal/agentroot"
	"run-deploy/internal/target"
)

// Entry is one revision as returned by List.
type Entry struct {
	Stem      string
	Blame     string
	IsCurrent bool
}

// Store operates against one agent root through a Target, oblivious to
// whether that target is a container or the local host.
type Store struct {
	Target   target.Target
	RootPath string // <agent-root>
}

func New(t target.Target, rootPath string) *Store {
	return &Store{Target: t, RootPath: rootPath}
}

func (s *Store) imageDir(image string) string {
	return path.Join(s.RootPath, "image", image)
}

func (s *Store) currentPointer(image string) string {
	return path.Join(s.imageDir(image), image+".squashfs")
}

// Current resolves the current-pointer symlink, returning ("", nil) if it
// does not exist.
func (s *Store) Current(ctx context.Context, image string) (string, error) {
	link := s.currentPointer(image)
	resolved, err := s.Target.Readlink(ctx, link)
	if err != nil {
		if strings.Contains(err.Error(), "no such file") || isNotExistErr(err) {
			return "", nil
		}
		return "", err
	}
	stem := strings.TrimSuffix(path.Base(resolved), ".squashfs")
	return stem, nil
}

func isNotExistErr(err error) bool {
	return strings.Contains(err.Error(), "not exist") || strings.Contains(err.Error(), "no such file or directory")
}

// List enumerates *.blame files in the image directory, sorted newest-first
// (descending lexicographically, which is chronological for the canonical
// stem format), marking whichever one matches Current.
func (s *Store) List(ctx context.Context, image string) ([]Entry, error) {
	current, err := s.Current(ctx, image)
	if err != nil {
		return nil, err
	}
	names, err := s.Target.ListDir(ctx, s.imageDir(image))
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		stem, ok := strings.CutSuffix(name, ".blame")
		if !ok {
			continue
		}
		raw, err := s.Target.ReadFile(ctx, path.Join(s.imageDir(image), name))
		if err != nil {
			return nil, fmt.Errorf("read blame for %s: %w", stem, err)
		}
		entries = append(entries, Entry{
			Stem:      stem,
			Blame:     strings.TrimSpace(string(raw)),
			IsCurrent: stem == current,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Stem > entries[j].Stem })
	return entries, nil
}

// Activate invokes the revision's activation script, which is itself
// responsible for the symlink swap and the per-image deploy hook.
func (s *Store) Activate(ctx context.Context, image, revisionStem string) error {
	script := path.Join(s.imageDir(image), revisionStem)
	res, err := s.Target.Exec(ctx, []string{script}, nil)
	if err != nil {
		return fmt.Errorf("run activation script %s: %w", revisionStem, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("activation script %s exited %d: %s", revisionStem, res.ExitCode, res.Stderr)
	}
	return nil
}

// Install copies the three revision artifacts into the image directory,
// sets root ownership and the executable bit on the activation script, then
// activates the new revision. If two installs race on the same stem the
// later one wins, overwriting the triple in place.
func (s *Store) Install(ctx context.Context, image, revisionStem string, squashfsData, scriptData []byte, blameText string) error {
	dir := s.imageDir(image)
	if err := s.Target.MkdirAll(ctx, dir); err != nil {
		return fmt.Errorf("ensure image dir: %w", err)
	}

	squashfsPath := path.Join(dir, revisionStem+".squashfs")
	scriptPath := path.Join(dir, revisionStem)
	blamePath := path.Join(dir, revisionStem+".blame")

	if err := s.Target.WriteFile(ctx, squashfsPath, squashfsData, 0o644); err != nil {
		return fmt.Errorf("install squashfs: %w", err)
	}
	if err := s.Target.WriteFile(ctx, scriptPath, scriptData, 0o755); err != nil {
		return fmt.Errorf("install activation script: %w", err)
	}
	if err := s.Target.WriteFile(ctx, blamePath, []byte(blameText), 0o644); err != nil {
		return fmt.Errorf("install blame: %w", err)
	}

	return s.Activate(ctx, image, revisionStem)
}

// ActivationScript renders the strict-mode activation script from the data
// model: swap the current-pointer symlink by creating <image>.squashfs.tmp
// and renaming it over <image>.squashfs, then invoke the per-image deploy
// hook. The hook runs after the swap and its exit status is advisory only —
// a missing or failing hook must not undo an otherwise-successful
// activation, so its failure is swallowed.
func ActivationScript(agentRoot, image, revisionStem string) string {
	imgDir := path.Join(agentRoot, "image", image)
	hook := path.Join(agentroot.ScriptDeployDir(agentRoot), image)
	return fmt.Sprintf("#!/bin/sh\ncd %s\nln -sf %s.squashfs %s.squashfs.tmp\nmv -f %s.squashfs.tmp %s.squashfs\n%s || true\n",
		imgDir, revisionStem, image, image, image, hook)
}

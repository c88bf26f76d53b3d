// Package cliverbs implements the operator-facing Query/Command Surface:
// the verb table the worker dispatches `cli`/`cli-metal` requests into.
package cliverbs

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"run-deploy/internal/agenterr"
	"run-deploy/internal/agentroot"
	"run-deploy/internal/permission"
	"run-deploy/internal/revision"
	"run-deploy/internal/target"
	"run-deploy/internal/uiutil"
)

// IncusLister enumerates container names for the "list-incus" verb; real
// wiring shells out to `incus list --format csv -c n`.
type IncusLister interface {
	ListNames(ctx context.Context) ([]string, error)
}

// Environment is everything a verb needs beyond its own flags.
type Environment struct {
	AgentRoot   string
	Edition     permission.Edition
	KeyRef      string
	LocalTarget target.Target
	ContainerOf func(incusName string) target.Target // only used in container edition
	Permission  *permission.Engine
	Incus       IncusLister // only used in container edition
}

// Request is one parsed verb invocation, flags already validated against
// the name grammars by the caller (the frontend/CLI entrypoint).
type Request struct {
	Verb     string
	Image    string
	Incus    string
	Revision string
	Cmd      string
}

func (e *Environment) resolveTarget(req Request) target.Target {
	if e.Edition == permission.EditionContainer {
		return e.ContainerOf(req.Incus)
	}
	return e.LocalTarget
}

func (e *Environment) evaluate(req Request) (permission.Decision, error) {
	return e.Permission.Evaluate(permission.Request{
		KeyRef:    e.KeyRef,
		Container: req.Incus,
		Image:     req.Image,
		Edition:   e.Edition,
	})
}

// Run dispatches req to its verb implementation and returns its textual
// stdout. Errors are always *agenterr.Error so callers can marshal them per
// the wire contract.
func Run(ctx context.Context, e *Environment, req Request) (string, error) {
	switch req.Verb {
	case "edition":
		return editionString(e.Edition), nil
	case "last-deploy":
		return e.lastDeploy(ctx, req)
	case "last-deploy-blame":
		return e.lastDeployBlame(ctx, req)
	case "list-revision":
		return e.listRevision(ctx, req)
	case "list-image":
		return e.listImage(ctx, req)
	case "list-incus":
		return e.listIncus(ctx)
	case "revert":
		return e.revert(ctx, req)
	case "exec":
		return e.execVerb(ctx, req)
	case "list-exec":
		return e.listExec(ctx, req)
	case "permission-json":
		return e.permissionJSON(ctx, req)
	default:
		return "", agenterr.New(agenterr.KindCommandNotFound, fmt.Sprintf("no such verb %q", req.Verb))
	}
}

func editionString(ed permission.Edition) string {
	if ed == permission.EditionContainer {
		return "remote-incus"
	}
	return "remote-metal"
}

func (e *Environment) requireRead(req Request) error {
	decision, err := e.evaluate(req)
	if err != nil {
		return err
	}
	if !permission.MustBeRead(decision) {
		return agenterr.New(agenterr.KindPermission, fmt.Sprintf("key-ref %q does not have read access to image %q", e.KeyRef, req.Image))
	}
	return nil
}

func (e *Environment) requireFull(req Request) error {
	decision, err := e.evaluate(req)
	if err != nil {
		return err
	}
	if !permission.MustBeFull(decision) {
		return agenterr.New(agenterr.KindPermission, fmt.Sprintf("key-ref %q does not have full access to image %q", e.KeyRef, req.Image))
	}
	return nil
}

func (e *Environment) requireAdmin(req Request) error {
	decision, err := e.evaluate(req)
	if err != nil {
		return err
	}
	if !permission.MustBeAdmin(decision) {
		return agenterr.New(agenterr.KindPermission, fmt.Sprintf("key-ref %q is not admin", e.KeyRef))
	}
	return nil
}

func (e *Environment) lastDeploy(ctx context.Context, req Request) (string, error) {
	if err := e.requireRead(req); err != nil {
		return "", err
	}
	store := revision.New(e.resolveTarget(req), e.AgentRoot)
	stem, err := store.Current(ctx, req.Image)
	if err != nil {
		return "", err
	}
	if stem == "" {
		return "", agenterr.New(agenterr.KindArgument, fmt.Sprintf("image %q has no current revision", req.Image))
	}
	return stem, nil
}

func (e *Environment) lastDeployBlame(ctx context.Context, req Request) (string, error) {
	if err := e.requireRead(req); err != nil {
		return "", err
	}
	store := revision.New(e.resolveTarget(req), e.AgentRoot)
	stem, err := store.Current(ctx, req.Image)
	if err != nil {
		return "", err
	}
	if stem == "" {
		return "", agenterr.New(agenterr.KindArgument, fmt.Sprintf("image %q has no current revision", req.Image))
	}
	entries, err := store.List(ctx, req.Image)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if entry.Stem == stem {
			return entry.Blame, nil
		}
	}
	return "", agenterr.New(agenterr.KindArgument, fmt.Sprintf("current revision %q has no blame record", stem))
}

func (e *Environment) listRevision(ctx context.Context, req Request) (string, error) {
	if err := e.requireRead(req); err != nil {
		return "", err
	}
	store := revision.New(e.resolveTarget(req), e.AgentRoot)
	entries, err := store.List(ctx, req.Image)
	if err != nil {
		return "", err
	}
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		marker := ""
		if entry.IsCurrent {
			marker = uiutil.StyleSuccess("*CURRENT*")
		}
		rows = append(rows, []string{
			uiutil.StyleInfo(entry.Stem),
			uiutil.StyleDim("blame: " + entry.Blame),
			marker,
		})
	}
	lines := uiutil.RenderAlignedTable([]string{"", "", ""}, rows, 3)
	return strings.Join(lines, "\n"), nil
}

func (e *Environment) listImage(ctx context.Context, req Request) (string, error) {
	if err := e.requireRead(req); err != nil {
		return "", err
	}
	names, err := e.resolveTarget(req).ListDir(ctx, path.Join(e.AgentRoot, "image"))
	if err != nil {
		return "", err
	}
	sort.Strings(names)
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name})
	}
	lines := uiutil.RenderAlignedTable([]string{""}, rows, 1)
	return strings.Join(lines, "\n"), nil
}

func (e *Environment) listIncus(ctx context.Context) (string, error) {
	if e.Edition != permission.EditionContainer {
		return "", agenterr.New(agenterr.KindCommandNotFound, "list-incus is only available on the container edition")
	}
	if err := e.requireRead(Request{}); err != nil {
		return "", err
	}
	names, err := e.Incus.ListNames(ctx)
	if err != nil {
		return "", err
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func (e *Environment) revert(ctx context.Context, req Request) (string, error) {
	if err := e.requireFull(req); err != nil {
		return "", err
	}
	store := revision.New(e.resolveTarget(req), e.AgentRoot)
	if err := store.Activate(ctx, req.Image, req.Revision); err != nil {
		return "", agenterr.Wrap(agenterr.KindExecFail, "revert failed", err)
	}
	return fmt.Sprintf("reverted %s to %s", req.Image, req.Revision), nil
}

func (e *Environment) execVerb(ctx context.Context, req Request) (string, error) {
	if err := e.requireAdmin(req); err != nil {
		return "", err
	}
	tgt := e.resolveTarget(req)
	script := path.Join(agentroot.ExecDir(e.AgentRoot), req.Cmd)
	res, err := tgt.Exec(ctx, []string{script}, nil)
	if err != nil {
		return "", agenterr.Wrap(agenterr.KindExecFail, "exec failed", err)
	}
	if res.ExitCode != 0 {
		return "", agenterr.New(agenterr.KindExecFail, fmt.Sprintf("%s exited %d: %s", req.Cmd, res.ExitCode, res.Stderr))
	}
	return res.Stdout, nil
}

func (e *Environment) listExec(ctx context.Context, req Request) (string, error) {
	if err := e.requireAdmin(req); err != nil {
		return "", err
	}
	names, err := e.resolveTarget(req).ListDir(ctx, agentroot.ExecDir(e.AgentRoot))
	if err != nil {
		return "", err
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func (e *Environment) permissionJSON(_ context.Context, req Request) (string, error) {
	snap, err := e.Permission.Describe(permission.Request{
		KeyRef:    e.KeyRef,
		Container: req.Incus,
		Image:     req.Image,
		Edition:   e.Edition,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`{"admin":%t,"full":%t,"read":%t}`, snap.Admin, snap.Full, snap.Read), nil
}

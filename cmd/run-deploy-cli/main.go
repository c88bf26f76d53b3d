// Command run-deploy-cli is the Query/Command Surface entrypoint: given a
// one-shot signed token and a verb name, it authenticates the caller and
// dispatches into the permission-gated verb table.
package main

import (
	"context"
	"fmt"
	"os"

	"run-deploy/internal/agentroot"
	"run-deploy/internal/agenterr"
	"run-deploy/internal/cliverbs"
	"run-deploy/internal/incuslist"
	"run-deploy/internal/nameguard"
	"run-deploy/internal/permission"
	"run-deploy/internal/sigverify"
	"run-deploy/internal/target"
	"run-deploy/internal/uiutil"
)

func main() {
	root := agentroot.Root()
	edition := permission.EditionMetal
	if os.Getenv("RUN_DEPLOY_EDITION") == "container" {
		edition = permission.EditionContainer
	}

	keyRef, err := authenticate(context.Background(), root, edition)
	if err != nil {
		fail(err)
	}

	req, err := parseArgs(edition, os.Args[1:])
	if err != nil {
		fail(err)
	}

	perm := permission.NewEngine(agentroot.PermissionDir(root))
	if warning := perm.BootstrapWarning(); warning != "" {
		fmt.Fprintln(os.Stderr, uiutil.StyleWarn(warning))
	}

	env := &cliverbs.Environment{
		AgentRoot:   root,
		Edition:     edition,
		KeyRef:      keyRef,
		LocalTarget: target.NewLocal(),
		ContainerOf: func(incusName string) target.Target {
			return target.NewContainer(incusName)
		},
		Permission: perm,
		Incus:      incuslist.New(),
	}

	out, err := cliverbs.Run(context.Background(), env, req)
	if err != nil {
		fail(err)
	}
	fmt.Println(out)
}

// authenticate verifies the one-shot token named by RUN_DEPLOY_TOKEN against
// the public key named by RUN_DEPLOY_KEY, then removes the token file
// itself — VerifyFile already scrubs the ".minisig" sidecar, this just
// finishes the single-use contract on the token body.
func authenticate(ctx context.Context, root string, edition permission.Edition) (keyRef string, err error) {
	tokenRef := os.Getenv("RUN_DEPLOY_TOKEN")
	keyRef = os.Getenv("RUN_DEPLOY_KEY")
	if tokenRef == "" || keyRef == "" {
		return "", agenterr.New(agenterr.KindTokenKey, "must have env RUN_DEPLOY_TOKEN and RUN_DEPLOY_KEY")
	}

	tokenPath := tokenFilePath(tokenRef)
	gate := sigverify.NewGate(agentroot.MinisignDir(root))
	if err := gate.VerifyFile(ctx, tokenPath, keyRef); err != nil {
		return "", err
	}
	_ = os.Remove(tokenPath)
	return keyRef, nil
}

func tokenFilePath(tokenRef string) string {
	return "/tmp/run-deploy/run-deploy-token-" + tokenRef
}

// parseArgs reads the verb invocation off argv. The container edition takes
// a leading incus-name the metal edition has no use for, since metal has
// exactly one target: the local host.
func parseArgs(edition permission.Edition, args []string) (cliverbs.Request, error) {
	var req cliverbs.Request
	if edition == permission.EditionContainer {
		if len(args) < 3 {
			return req, agenterr.New(agenterr.KindArgument, "must have incus-name, image-ref and command-ref")
		}
		req.Incus = args[0]
		req.Image = args[1]
		req.Verb = args[2]
		args = args[3:]
		if err := nameguard.FlagIdentifier(req.Incus); err != nil {
			return req, agenterr.Wrap(agenterr.KindFileNameValidation, "invalid incus name", err)
		}
	} else {
		if len(args) < 2 {
			return req, agenterr.New(agenterr.KindArgument, "must have image-ref and command-ref")
		}
		req.Image = args[0]
		req.Verb = args[1]
		args = args[2:]
	}
	if req.Image != "" {
		if err := nameguard.FlagIdentifier(req.Image); err != nil {
			return req, agenterr.Wrap(agenterr.KindFileNameValidation, "invalid image ref", err)
		}
	}

	switch req.Verb {
	case "revert":
		if len(args) < 1 {
			return req, agenterr.New(agenterr.KindArgument, "must have revision name")
		}
		req.Revision = args[0]
		if err := nameguard.FlagIdentifier(req.Revision); err != nil {
			return req, agenterr.Wrap(agenterr.KindFileNameValidation, "invalid revision name", err)
		}
	case "exec", "list-exec":
		if req.Verb == "exec" {
			if len(args) < 1 {
				return req, agenterr.New(agenterr.KindArgument, "must have exec command name")
			}
			req.Cmd = args[0]
			if err := nameguard.FlagIdentifier(req.Cmd); err != nil {
				return req, agenterr.Wrap(agenterr.KindFileNameValidation, "invalid exec command name", err)
			}
		}
	}
	return req, nil
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, string(agenterr.MarshalWire(err)))
	os.Exit(agenterr.ExitCode)
}

// Command run-deploy is the Image Ingestion Pipeline entrypoint: invoked
// with a signed squashfs path and the key-ref that signed it, it verifies,
// mounts, installs, and activates one revision.
package main

import (
	"context"
	"fmt"
	"os"

	"run-deploy/internal/agentroot"
	"run-deploy/internal/agenterr"
	"run-deploy/internal/ingest"
	"run-deploy/internal/mountutil"
	"run-deploy/internal/permission"
	"run-deploy/internal/sigverify"
	"run-deploy/internal/target"
	"run-deploy/internal/uiutil"
)

func main() {
	if len(os.Args) != 3 {
		fail(agenterr.New(agenterr.KindArgument, "usage: run-deploy <squashfs-path> <key-ref>"))
	}

	root := agentroot.Root()
	edition := permission.EditionMetal
	if os.Getenv("RUN_DEPLOY_EDITION") == "container" {
		edition = permission.EditionContainer
	}
	hostname, err := os.Hostname()
	if err != nil {
		fail(agenterr.Wrap(agenterr.KindArgument, "could not resolve hostname", err))
	}

	perm := permission.NewEngine(agentroot.PermissionDir(root))
	if warning := perm.BootstrapWarning(); warning != "" {
		fmt.Fprintln(os.Stderr, uiutil.StyleWarn(warning))
	}

	pipeline := &ingest.Pipeline{
		Gate:       sigverify.NewGate(agentroot.MinisignDir(root)),
		Permission: perm,
		Target:     target.NewLocal(),
		Mount:      mountutil.New(),
		AgentRoot:  root,
		Hostname:   hostname,
		Edition:    edition,
		ContainerOf: func(incusName string) target.Target {
			return target.NewContainer(incusName)
		},
	}

	outcome, err := pipeline.Run(context.Background(), ingest.Request{
		SquashfsPath: os.Args[1],
		KeyRef:       os.Args[2],
	})
	if err != nil {
		fail(err)
	}
	fmt.Printf("deployed %s as %s\n", outcome.Image, outcome.RevisionStem)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, string(agenterr.MarshalWire(err)))
	os.Exit(agenterr.ExitCode)
}

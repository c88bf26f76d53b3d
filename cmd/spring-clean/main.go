// Command spring-clean prunes every image directory under an agent root
// down to its newest --keep revisions. Without --real-run it only prints
// the shell script it would otherwise execute.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"run-deploy/internal/agentroot"
	"run-deploy/internal/permission"
	"run-deploy/internal/retention"
	"run-deploy/internal/target"
)

func main() {
	fs := flag.NewFlagSet("spring-clean", flag.ExitOnError)
	keep := fs.Int("keep", retention.DefaultKeep, "the amount of last deploy to keep")
	realRun := fs.Bool("real-run", false, "actually delete; otherwise print the shell script")
	incusName := fs.String("incus", "", "container name to clean (container edition only)")
	fs.Parse(os.Args[1:])

	root := agentroot.Root()
	edition := permission.EditionMetal
	if os.Getenv("RUN_DEPLOY_EDITION") == "container" {
		edition = permission.EditionContainer
	}

	var tgt target.Target
	if edition == permission.EditionContainer {
		if *incusName == "" {
			fmt.Fprintln(os.Stderr, "--incus is required on the container edition")
			os.Exit(1)
		}
		tgt = target.NewContainer(*incusName)
	} else {
		tgt = target.NewLocal()
	}

	cleaner := retention.New(tgt, root)
	cleaner.Keep = *keep

	victims, script, err := retention.Run(context.Background(), cleaner, !*realRun)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(victims) == 0 {
		return
	}
	if !*realRun {
		fmt.Print(script)
		return
	}
	for _, v := range victims {
		fmt.Printf("removed %s/%s\n", v.Image, v.Stem)
	}
}

// Command run-deploy-frontend is the unprivileged half of the Privileged
// Dispatcher: it never runs as root, and its only privileged-adjacent act
// is touching the sentinel file the worker watches. It builds one of the
// four request shapes (cli, cli-metal, deploy, deploy-metal), enqueues it,
// and blocks for the worker's reply.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"run-deploy/internal/agentroot"
	"run-deploy/internal/dispatch"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: run-deploy-frontend <cli|cli-metal|deploy|deploy-metal> [args...]")
		os.Exit(1)
	}
	cmd := os.Args[1]
	rest := os.Args[2:]

	req, err := buildRequest(cmd, rest)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	frontend := &dispatch.Frontend{
		QueueDir:     agentroot.QueueDir(),
		SentinelPath: agentroot.SentinelPath(),
	}

	reply, err := frontend.Send(context.Background(), req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if reply.Stderr != "" {
		fmt.Fprintln(os.Stderr, reply.Stderr)
	}
	if reply.Stdout != "" {
		fmt.Println(reply.Stdout)
	}
	os.Exit(reply.Code)
}

func buildRequest(cmd string, args []string) (dispatch.Request, error) {
	switch cmd {
	case "cli", "cli-metal":
		return dispatch.Request{
			Cmd:   cmd,
			Token: strings.TrimSpace(os.Getenv("RUN_DEPLOY_TOKEN")),
			Key:   strings.TrimSpace(os.Getenv("RUN_DEPLOY_KEY")),
			Args:  args,
		}, nil
	case "deploy", "deploy-metal":
		if len(args) < 2 {
			return dispatch.Request{}, fmt.Errorf("%s needs <target> <key-ref>", cmd)
		}
		return dispatch.Request{
			Cmd:    cmd,
			Target: args[0],
			Key:    args[1],
		}, nil
	default:
		return dispatch.Request{}, fmt.Errorf("unknown command %q", cmd)
	}
}


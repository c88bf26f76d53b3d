// Command run-deploy-worker is the privileged half of the Privileged
// Dispatcher: it must run as root, drains the request queue the
// unprivileged frontend drops markers into, and re-execs the real
// ingestion/query binaries with the edition and credentials the request
// carried.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"run-deploy/internal/agentroot"
	"run-deploy/internal/dispatch"
	"run-deploy/internal/uiutil"
)

func main() {
	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, uiutil.StyleError("must be root to run the privileged worker"))
		os.Exit(1)
	}

	binDir := envOr("RUN_DEPLOY_BIN_DIR", "/opt/run-deploy/bin")
	worker := &dispatch.Worker{
		QueueDir:     agentroot.QueueDir(),
		SentinelPath: agentroot.SentinelPath(),
		Handlers: map[string]dispatch.Handler{
			"cli":          cliHandler(binDir, "container"),
			"cli-metal":    cliHandler(binDir, "metal"),
			"deploy":       deployHandler(binDir, "container"),
			"deploy-metal": deployHandler(binDir, "metal"),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mode := "watch"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	var err error
	switch mode {
	case "recv":
		err = worker.ProcessOnce(ctx)
	case "watch":
		err = worker.WatchSentinel(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown worker mode %q (want recv|watch)\n", mode)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// cliHandler wraps the run-deploy-cli binary, forwarding the one-shot token
// and key-ref via environment variables the way the reference dispatcher
// forwards them to its subprocess, never as argv where they'd be visible in
// a process listing.
func cliHandler(binDir, edition string) dispatch.Handler {
	return func(ctx context.Context, req dispatch.Request) dispatch.Reply {
		cmd := exec.CommandContext(ctx, binDir+"/run-deploy-cli", req.Args...)
		cmd.Env = uiutil.FilterEnv(append(os.Environ(),
			"RUN_DEPLOY_TOKEN="+req.Token,
			"RUN_DEPLOY_KEY="+req.Key,
			"RUN_DEPLOY_EDITION="+edition,
		))
		return runCaptured(cmd)
	}
}

func deployHandler(binDir, edition string) dispatch.Handler {
	return func(ctx context.Context, req dispatch.Request) dispatch.Reply {
		cmd := exec.CommandContext(ctx, binDir+"/run-deploy", req.Target, req.Key)
		cmd.Env = uiutil.FilterEnv(append(os.Environ(), "RUN_DEPLOY_EDITION="+edition))
		return runCaptured(cmd)
	}
}

func runCaptured(cmd *exec.Cmd) dispatch.Reply {
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return dispatch.Reply{Code: 1, Stderr: err.Error()}
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return dispatch.Reply{Code: 1, Stderr: err.Error()}
	}
	if err := cmd.Start(); err != nil {
		return dispatch.Reply{Code: 1, Stderr: err.Error()}
	}
	stdout, _ := io.ReadAll(outPipe)
	stderr, _ := io.ReadAll(errPipe)

	code := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 1
			stderr = append(stderr, []byte(err.Error())...)
		}
	}
	return dispatch.Reply{Code: code, Stdout: string(stdout), Stderr: string(stderr)}
}

package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupFrontendWorker(t *testing.T) (*Frontend, *Worker) {
	t.Helper()
	queueDir := t.TempDir()
	tmpDir := t.TempDir()
	sentinelPath := filepath.Join(t.TempDir(), "run-deploy.path")
	if err := os.WriteFile(sentinelPath, nil, 0o644); err != nil {
		t.Fatalf("seed sentinel: %v", err)
	}

	frontend := &Frontend{QueueDir: queueDir, SentinelPath: sentinelPath, TmpDir: tmpDir}
	worker := &Worker{QueueDir: queueDir, SentinelPath: sentinelPath, Handlers: map[string]Handler{}}
	return frontend, worker
}

func waitForMarker(t *testing.T, queueDir string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(queueDir)
		if err == nil && len(entries) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a queue marker to appear in %s", queueDir)
}

func TestSendAndProcessOnceRoundTrip(t *testing.T) {
	t.Parallel()
	frontend, worker := setupFrontendWorker(t)
	worker.Handlers["cli"] = func(_ context.Context, req Request) Reply {
		return Reply{Code: 0, Stdout: "ok:" + req.Args[0]}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type sendResult struct {
		reply Reply
		err   error
	}
	resultCh := make(chan sendResult, 1)
	go func() {
		reply, err := frontend.Send(ctx, Request{Cmd: "cli", Token: "tok", Key: "alice@lap", Args: []string{"foo"}})
		resultCh <- sendResult{reply, err}
	}()

	waitForMarker(t, frontend.QueueDir)
	if err := worker.ProcessOnce(ctx); err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			t.Fatalf("Send: %v", res.err)
		}
		if res.reply.Code != 0 || res.reply.Stdout != "ok:foo" {
			t.Fatalf("unexpected reply: %+v", res.reply)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for Send to return")
	}
}

func TestProcessOnceUnknownCommandReturnsCodeOne(t *testing.T) {
	t.Parallel()
	frontend, worker := setupFrontendWorker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan Reply, 1)
	errCh := make(chan error, 1)
	go func() {
		reply, err := frontend.Send(ctx, Request{Cmd: "mystery"})
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- reply
	}()

	waitForMarker(t, frontend.QueueDir)
	if err := worker.ProcessOnce(ctx); err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}

	select {
	case reply := <-resultCh:
		if reply.Code != 1 {
			t.Fatalf("expected code 1 for unknown command, got %+v", reply)
		}
	case err := <-errCh:
		t.Fatalf("Send: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for Send to return")
	}
}

func TestProcessOnceSkipsVanishedMarkerWithoutFailing(t *testing.T) {
	t.Parallel()
	_, worker := setupFrontendWorker(t)
	if err := os.WriteFile(filepath.Join(worker.QueueDir, "run-deploy-bogus-queue"), []byte("/does/not/exist"), 0o640); err != nil {
		t.Fatalf("seed bogus marker: %v", err)
	}
	if err := worker.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("expected a dangling marker to be skipped, not fatal: %v", err)
	}
}

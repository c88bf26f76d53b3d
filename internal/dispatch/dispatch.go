// Package dispatch implements the Privileged Dispatcher: a FIFO-based
// handoff between the unprivileged frontend and the root worker, woken by a
// sentinel file instead of a long-lived listening socket.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"run-deploy/internal/uiutil"
)

// Request is the JSON object written into the request channel.
type Request struct {
	Cmd    string   `json:"cmd"`
	Token  string   `json:"token,omitempty"`
	Key    string   `json:"key,omitempty"`
	Args   []string `json:"args,omitempty"`
	Target string   `json:"target,omitempty"`
	Fifo   string   `json:"fifo"`
}

// Reply is the JSON object written onto the reply channel.
type Reply struct {
	Code   int    `json:"code"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Frontend enqueues one request and blocks for its reply. It never runs as
// root; its only privileged-adjacent action is touching the sentinel file,
// gated by OS group membership on that file.
type Frontend struct {
	QueueDir     string
	SentinelPath string
	TmpDir       string // defaults to os.TempDir() when empty
}

func (f *Frontend) tmpDir() string {
	if f.TmpDir != "" {
		return f.TmpDir
	}
	return os.TempDir()
}

// Send writes req to a fresh request channel, drops a queue marker pointing
// at it, touches the sentinel, and blocks reading the reply channel.
func (f *Frontend) Send(ctx context.Context, req Request) (Reply, error) {
	if err := checkSentinelWritable(f.SentinelPath); err != nil {
		return Reply{}, err
	}

	nonce, err := uiutil.RandomNonce(8)
	if err != nil {
		return Reply{}, fmt.Errorf("generate nonce: %w", err)
	}
	replyPath := filepath.Join(f.tmpDir(), "run-deploy-reply-"+nonce)
	requestPath := filepath.Join(f.tmpDir(), "run-deploy-request-"+nonce)
	markerPath := filepath.Join(f.QueueDir, fmt.Sprintf("run-deploy-%020d-%s-queue", time.Now().UnixNano(), nonce))

	if err := syscall.Mkfifo(replyPath, 0o640); err != nil {
		return Reply{}, fmt.Errorf("create reply channel: %w", err)
	}
	defer os.Remove(replyPath)

	if err := syscall.Mkfifo(requestPath, 0o640); err != nil {
		return Reply{}, fmt.Errorf("create request channel: %w", err)
	}

	if err := os.MkdirAll(f.QueueDir, 0o755); err != nil {
		return Reply{}, fmt.Errorf("ensure queue dir: %w", err)
	}
	if err := os.WriteFile(markerPath, []byte(requestPath), 0o640); err != nil {
		return Reply{}, fmt.Errorf("write queue marker: %w", err)
	}

	req.Fifo = replyPath
	payload, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal request: %w", err)
	}

	writeErrCh := make(chan error, 1)
	go func() {
		// Opening a FIFO for writing blocks until a reader opens it; the
		// worker does so once it picks this marker up off the queue.
		w, err := os.OpenFile(requestPath, os.O_WRONLY, 0)
		if err != nil {
			writeErrCh <- err
			return
		}
		defer w.Close()
		_, err = w.Write(payload)
		writeErrCh <- err
	}()

	if err := touchSentinel(f.SentinelPath); err != nil {
		return Reply{}, fmt.Errorf("touch sentinel: %w", err)
	}

	select {
	case err := <-writeErrCh:
		if err != nil {
			return Reply{}, fmt.Errorf("write request: %w", err)
		}
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}

	r, err := os.OpenFile(replyPath, os.O_RDONLY, 0)
	if err != nil {
		return Reply{}, fmt.Errorf("open reply channel: %w", err)
	}
	defer r.Close()

	var reply Reply
	dec := json.NewDecoder(r)
	if err := dec.Decode(&reply); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

func checkSentinelWritable(sentinelPath string) error {
	if err := unix_Access(sentinelPath, 2 /* W_OK */); err != nil {
		return fmt.Errorf("no permission to enqueue a request: %w", err)
	}
	return nil
}

func touchSentinel(path string) error {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err == nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func unix_Access(path string, mode uint32) error {
	return syscall.Access(path, mode)
}

// Handler runs one dispatched request and produces its reply.
type Handler func(ctx context.Context, req Request) Reply

// Worker enumerates queue markers and dispatches each request to the
// handler registered for its Cmd. Exactly one request is processed at a
// time: there is no concurrency inside ProcessOnce.
type Worker struct {
	QueueDir     string
	SentinelPath string
	Handlers     map[string]Handler
}

// ProcessOnce drains every marker currently in the queue directory, in
// sorted name order (the nanosecond timestamp right after each marker
// name's "run-deploy-" prefix makes this arrival order),
// dispatching each to its handler and writing the reply.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	entries, err := os.ReadDir(w.QueueDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list queue dir: %w", err)
	}

	var markers []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), "-queue") {
			markers = append(markers, e.Name())
		}
	}
	sort.Strings(markers)

	for _, name := range markers {
		markerPath := filepath.Join(w.QueueDir, name)
		requestPath, err := os.ReadFile(markerPath) // #nosec G304 -- marker names are generated by Send, not attacker input
		if err != nil {
			fmt.Fprintf(os.Stderr, "run-deploy-worker: skipping marker %s: %v\n", name, err)
			continue // marker vanished or unreadable; log-and-skip per the data model
		}
		if err := os.Remove(markerPath); err != nil && !os.IsNotExist(err) {
			continue
		}
		w.processOne(ctx, strings.TrimSpace(string(requestPath)))
	}
	return nil
}

func (w *Worker) processOne(ctx context.Context, requestPath string) {
	r, err := os.OpenFile(requestPath, os.O_RDONLY, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run-deploy-worker: skipping request %s: %v\n", requestPath, err)
		return // malformed/missing marker target: logged-and-skipped, not fatal
	}
	var req Request
	decErr := json.NewDecoder(r).Decode(&req)
	r.Close()
	os.Remove(requestPath)
	if decErr != nil {
		fmt.Fprintf(os.Stderr, "run-deploy-worker: skipping malformed request %s: %v\n", requestPath, decErr)
		return
	}

	var reply Reply
	handler, ok := w.Handlers[req.Cmd]
	if !ok {
		reply = Reply{Code: 1, Stderr: fmt.Sprintf("unknown command %q", req.Cmd)}
	} else {
		reply = handler(ctx, req)
	}

	writeReply(ctx, req.Fifo, reply)
}

// replyWriteTimeout bounds how long processOne will block opening the reply
// FIFO: if the frontend that sent the request has already given up and
// exited, nothing will ever open the read end, and the worker must not
// stall waiting for it.
const replyWriteTimeout = 30 * time.Second

// writeReply opens the reply FIFO for writing and encodes reply onto it,
// bounded by replyWriteTimeout so a departed frontend can't stall the
// worker indefinitely.
func writeReply(ctx context.Context, fifoPath string, reply Reply) {
	ctx, cancel := context.WithTimeout(ctx, replyWriteTimeout)
	defer cancel()

	opened := make(chan *os.File, 1)
	go func() {
		f, err := os.OpenFile(fifoPath, os.O_WRONLY, 0)
		if err != nil {
			opened <- nil
			return
		}
		opened <- f
	}()

	select {
	case f := <-opened:
		if f == nil {
			return
		}
		defer f.Close()
		_ = json.NewEncoder(f).Encode(reply)
	case <-ctx.Done():
		return
	}
}

// WatchSentinel wires an fsnotify watch onto SentinelPath's parent
// directory and drains the queue on every Write/Create/Chmod event touching
// the sentinel file, standing in for the systemd path-unit wakeup the
// reference deployment uses in production.
func (w *Worker) WatchSentinel(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create sentinel watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.SentinelPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch sentinel directory: %w", err)
	}

	notify := make(chan struct{}, 1)
	go func() {
		defer close(notify)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.SentinelPath) {
					continue
				}
				select {
				case notify <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return w.Watch(ctx, notify)
}

// Watch blocks, processing the queue each time notify fires, until ctx is
// cancelled or notify is closed.
func (w *Worker) Watch(ctx context.Context, notify <-chan struct{}) error {
	// initial drain in case requests queued before Watch started
	if err := w.ProcessOnce(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-notify:
			if !ok {
				return nil
			}
			if err := w.ProcessOnce(ctx); err != nil {
				return err
			}
		}
	}
}

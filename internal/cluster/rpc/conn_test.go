package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/clock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// neverClock never fires After, so tests exercising the success path never
// race against a spurious timeout.
type neverClock struct{}

func (neverClock) Now() time.Time                        { return time.Time{} }
func (neverClock) After(time.Duration) <-chan time.Time  { return make(chan time.Time) }
func (neverClock) Since(time.Time) time.Duration         { return 0 }

var _ clock.Clock = neverClock{}

// manualClock lets a test fire the "deadline elapsed" instant on demand,
// independent of wall-clock time.
type manualClock struct {
	fire chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{fire: make(chan time.Time, 1)}
}

func (c *manualClock) Now() time.Time                       { return time.Time{} }
func (c *manualClock) After(time.Duration) <-chan time.Time { return c.fire }
func (c *manualClock) Since(time.Time) time.Duration        { return 0 }

var _ clock.Clock = (*manualClock)(nil)

// fakeTransport records every frame written and, if onWrite is set, invokes
// it synchronously -- used to simulate a remote peer answering outbound
// calls without a real socket.
type fakeTransport struct {
	mu      sync.Mutex
	written []*Frame
	onWrite func(f *Frame)
}

func (t *fakeTransport) WriteFrame(f *Frame) error {
	t.mu.Lock()
	t.written = append(t.written, f)
	cb := t.onWrite
	t.mu.Unlock()
	if cb != nil {
		cb(f)
	}
	return nil
}

func (t *fakeTransport) writtenFrames() []*Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Frame, len(t.written))
	copy(out, t.written)
	return out
}

var _ Transport = (*fakeTransport)(nil)

// TestConnCallConcurrentOutOfOrderResponses covers spec section 8 scenario
// 3: two concurrent outbound calls on one Conn, answered in reverse id
// order, each caller must get its own correct result with no crosstalk.
func TestConnCallConcurrentOutOfOrderResponses(t *testing.T) {
	transport := &fakeTransport{}
	conn := NewConn(transport, NewTable(), neverClock{}, testLogger())

	type outcome struct {
		method string
		result json.RawMessage
		err    error
	}
	results := make(chan outcome, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		res, err := conn.Call(context.Background(), "docker.list", nil, 30*time.Second)
		results <- outcome{"docker.list", res, err}
	}()
	go func() {
		defer wg.Done()
		res, err := conn.Call(context.Background(), "system.info", nil, 30*time.Second)
		results <- outcome{"system.info", res, err}
	}()

	// Wait until both outbound requests have actually been written (and so
	// registered in the pending table) before answering them.
	deadline := time.After(2 * time.Second)
	for {
		if len(transport.writtenFrames()) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for both outbound requests to be written")
		case <-time.After(time.Millisecond):
		}
	}

	frames := transport.writtenFrames()
	// Answer in reverse arrival order -- id=2 (whichever call that was) first.
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		result, _ := NewResult(f.ID, map[string]string{"echo": f.Method})
		conn.Deliver(context.Background(), result)
	}

	wg.Wait()
	close(results)

	seen := map[string]bool{}
	for o := range results {
		if o.err != nil {
			t.Fatalf("%s: unexpected error: %v", o.method, o.err)
		}
		var payload map[string]string
		if err := json.Unmarshal(o.result, &payload); err != nil {
			t.Fatalf("%s: unmarshal result: %v", o.method, err)
		}
		if payload["echo"] != o.method {
			t.Errorf("crosstalk: %s got result echoing %q", o.method, payload["echo"])
		}
		seen[o.method] = true
	}
	if !seen["docker.list"] || !seen["system.info"] {
		t.Fatalf("expected both methods to complete, got %v", seen)
	}
}

// TestConnCallErrorResponse checks that an error response is surfaced as a
// typed failure to the caller.
func TestConnCallErrorResponse(t *testing.T) {
	transport := &fakeTransport{}
	conn := NewConn(transport, NewTable(), neverClock{}, testLogger())
	transport.onWrite = func(f *Frame) {
		errResp := NewErrorResponse(f.ID, NewError(CodeInternal, "boom"))
		go func() {
			// Deliver from a separate goroutine so WriteFrame can return
			// and Call can reach its select before the response arrives.
			time.Sleep(time.Millisecond)
			conn.Deliver(context.Background(), errResp)
		}()
	}

	_, err := conn.Call(context.Background(), "containers.update", nil, 5*time.Second)
	if err == nil {
		t.Fatal("expected an error")
	}
	if err.Error() != "boom" {
		t.Errorf("expected error message %q, got %q", "boom", err.Error())
	}
}

// TestConnCallTimeout covers P9: a deadline that elapses before any
// response arrives must fail the call with a timeout, and a response that
// arrives afterward must be dropped rather than crash or leak.
func TestConnCallTimeout(t *testing.T) {
	mc := newManualClock()
	transport := &fakeTransport{}
	conn := NewConn(transport, NewTable(), mc, testLogger())

	done := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "docker.list", nil, time.Second)
		done <- err
	}()

	// Wait for the request to be written (and the pending slot registered)
	// before firing the deadline.
	deadline := time.After(2 * time.Second)
	for {
		if len(transport.writtenFrames()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for outbound request to be written")
		case <-time.After(time.Millisecond):
		}
	}

	mc.fire <- time.Now()

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Call did not return after deadline fired")
	}
	if err == nil {
		t.Fatal("expected a timeout error")
	}

	// A response arriving after the deadline must be dropped silently, not
	// panic and not affect anything (the call has already returned).
	f := transport.writtenFrames()[0]
	late, _ := NewResult(f.ID, "too late")
	conn.Deliver(context.Background(), late)
}

// TestConnCancelAll covers the transport-close path of spec section 5: all
// pending outbound calls on a connection complete with a transport-error
// result when the connection is cancelled, instead of waiting for their own
// deadlines.
func TestConnCancelAll(t *testing.T) {
	transport := &fakeTransport{}
	conn := NewConn(transport, NewTable(), neverClock{}, testLogger())

	done := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "docker.list", nil, time.Hour)
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for {
		if len(transport.writtenFrames()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for outbound request to be written")
		case <-time.After(time.Millisecond):
		}
	}

	conn.CancelAll(fmt.Errorf("connection closed"))

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a transport-error result")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Call did not complete after CancelAll")
	}
}

// TestConnDeliverPermissionAndNotFound exercises the incoming-request
// dispatch path: unknown methods, permission gating, and notifications
// never producing a response.
func TestConnDeliverPermissionAndNotFound(t *testing.T) {
	table := NewTable()
	called := false
	table.Register("admin.only", PermAdmin, func(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
		called = true
		return "ok", nil
	})

	transport := &fakeTransport{}
	conn := NewConn(transport, table, neverClock{}, testLogger())
	conn.SetAllowedPermissions(PermRead, PermWrite)

	// Unknown method.
	reqID := rawID(1)
	conn.Deliver(context.Background(), &Frame{JSONRPC: Version, Method: "no.such.method", ID: reqID})
	frames := transport.writtenFrames()
	if len(frames) != 1 || frames[0].Error == nil || frames[0].Error.Code != CodeMethodNotFound {
		t.Fatalf("expected method-not-found response, got %+v", frames)
	}

	// Known method, but ADMIN not in the allowed set.
	reqID2 := rawID(2)
	conn.Deliver(context.Background(), &Frame{JSONRPC: Version, Method: "admin.only", ID: reqID2})
	frames = transport.writtenFrames()
	if len(frames) != 2 || frames[1].Error == nil || frames[1].Error.Code != CodePermissionDenied {
		t.Fatalf("expected permission-denied response, got %+v", frames)
	}
	if called {
		t.Error("handler must not run when permission is denied")
	}

	// Allow ADMIN and retry as a notification (no id) -- must run the
	// handler but never write a response.
	conn.SetAllowedPermissions(PermAdmin)
	conn.Deliver(context.Background(), &Frame{JSONRPC: Version, Method: "admin.only"})
	if !called {
		t.Error("expected handler to run once permitted")
	}
	if len(transport.writtenFrames()) != 2 {
		t.Error("a notification must never produce a response frame")
	}
}

// TestConnInvokeRecoversPanic ensures a handler panic never escapes the
// receive loop -- it must be translated into an internal-error response
// (spec section 7, error kind 8).
func TestConnInvokeRecoversPanic(t *testing.T) {
	table := NewTable()
	table.Register("boom", PermRead, func(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
		panic("handler exploded")
	})

	transport := &fakeTransport{}
	conn := NewConn(transport, table, neverClock{}, testLogger())

	conn.Deliver(context.Background(), &Frame{JSONRPC: Version, Method: "boom", ID: rawID(1)})

	frames := transport.writtenFrames()
	if len(frames) != 1 || frames[0].Error == nil || frames[0].Error.Code != CodeInternal {
		t.Fatalf("expected internal-error response, got %+v", frames)
	}
	if frames[0].Error.Message == "handler exploded" {
		t.Error("panic detail must not be surfaced to the peer (spec section 7)")
	}
}

package routing

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	pb "github.com/joydit/MaidSafe-Routing/pb"
)

// responseHandler receives the correlated reply envelope, or nil together
// with a failure code.
type responseHandler func(code Code, msg *pb.Message)

// pendingTracker correlates outbound correlation ids with completion
// handlers and deadlines. Every registered handler fires exactly once: with
// the reply, with a timeout failure, or with a general failure at shutdown.
// A late reply after timeout is discarded by the caller when resolve
// reports an unknown id.
type pendingTracker struct {
	clk clock.Clock

	mu      sync.Mutex
	entries map[string]*pendingEntry
	closed  bool
}

type pendingEntry struct {
	fn    responseHandler
	timer *clock.Timer
}

func newPendingTracker(clk clock.Clock) *pendingTracker {
	return &pendingTracker{
		clk:     clk,
		entries: make(map[string]*pendingEntry),
	}
}

// add registers a handler for the correlation id. After timeout elapses the
// handler fires with CodeTimedOut unless a reply resolved it first.
func (t *pendingTracker) add(correlation string, timeout time.Duration, fn responseHandler) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		fn(CodeGeneralError, nil)
		return
	}
	entry := &pendingEntry{fn: fn}
	entry.timer = t.clk.AfterFunc(timeout, func() {
		t.expire(correlation)
	})
	t.entries[correlation] = entry
	t.mu.Unlock()
}

// resolve completes the entry with the reply. It reports false for unknown
// (or already timed out) correlation ids; the message is then a protocol
// violation to be dropped by the caller.
func (t *pendingTracker) resolve(correlation string, code Code, msg *pb.Message) bool {
	entry := t.take(correlation)
	if entry == nil {
		return false
	}
	entry.timer.Stop()
	entry.fn(code, msg)
	return true
}

func (t *pendingTracker) expire(correlation string) {
	entry := t.take(correlation)
	if entry == nil {
		return
	}
	entry.fn(CodeTimedOut, nil)
}

// close fails every outstanding entry. Used at node shutdown.
func (t *pendingTracker) close() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pendingEntry)
	t.closed = true
	t.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.fn(CodeGeneralError, nil)
	}
}

func (t *pendingTracker) take(correlation string) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[correlation]
	if !ok {
		return nil
	}
	delete(t.entries, correlation)
	return entry
}

func (t *pendingTracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

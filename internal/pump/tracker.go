package pump

import (
	"sync"

	"github.com/webordinary/edit-worker/internal/queue"
	"github.com/webordinary/edit-worker/internal/store"
)

// Active is the in-memory view of the in-flight instruction. The receipt
// handle is recorded here before the ActiveJob table write, so a preemption
// arriving in that window either sees nothing (no-op) or a fully usable
// entry.
type Active struct {
	Key           store.Key
	MessageID     string
	TaskToken     string
	ReceiptHandle string
	ThreadID      string

	// done is closed when the pipeline for this instruction has settled
	// and all terminal actions are finished.
	done chan struct{}
}

// Done returns a channel closed once the instruction has fully settled.
func (a *Active) Done() <-chan struct{} { return a.done }

// Tracker shares the current instruction between the work pump (writer)
// and the preemption listener (reader).
type Tracker struct {
	mu  sync.Mutex
	cur *Active
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Begin records msg as the in-flight instruction and returns its handle.
func (t *Tracker) Begin(key store.Key, msg queue.WorkMessage, receiptHandle string) *Active {
	a := &Active{
		Key:           key,
		MessageID:     msg.MessageID,
		TaskToken:     msg.TaskToken,
		ReceiptHandle: receiptHandle,
		ThreadID:      msg.ThreadID,
		done:          make(chan struct{}),
	}
	t.mu.Lock()
	t.cur = a
	t.mu.Unlock()
	return a
}

// End clears the in-flight instruction and releases anyone waiting on it.
func (t *Tracker) End(a *Active) {
	t.mu.Lock()
	if t.cur == a {
		t.cur = nil
	}
	t.mu.Unlock()
	close(a.done)
}

// Match returns the in-flight instruction iff it is the one named by the
// interrupt. A stale or unknown interrupt returns nil.
func (t *Tracker) Match(intr queue.InterruptMessage) *Active {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return nil
	}
	if t.cur.Key.Project != intr.ProjectID ||
		t.cur.Key.User != intr.UserID ||
		t.cur.MessageID != intr.OldMessageID {
		return nil
	}
	return t.cur
}

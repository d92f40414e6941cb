package store

import (
	"context"
	"sync"
	"time"

	"github.com/loopreply/wegate/internal/model"
)

const (
	DefaultCompletedTTL  time.Duration = 10 * time.Minute
	DefaultSweepInterval time.Duration = time.Minute
)

// Entry follows one fingerprint through its delivery attempts. The worker
// goroutine completes it exactly once; any number of request goroutines may
// wait on it or read it afterwards.
type Entry struct {
	Fingerprint model.Fingerprint

	mu          sync.Mutex
	status      model.DeliveryStatus
	attempts    int
	result      string
	createdAt   time.Time
	completedAt time.Time
	syncReplied bool

	done      chan struct{}
	doneOnce  sync.Once
	retryDone chan struct{}
	retryOnce sync.Once
}

func newEntry(fingerprint model.Fingerprint, now time.Time) *Entry {
	return &Entry{
		Fingerprint: fingerprint,
		status:      model.DeliveryStatusPending,
		createdAt:   now,
		done:        make(chan struct{}),
		retryDone:   make(chan struct{}),
	}
}

// Complete records the result. The first write wins; the result is
// immutable afterwards.
func (e *Entry) Complete(result string) {
	e.doneOnce.Do(func() {
		e.mu.Lock()
		e.status = model.DeliveryStatusCompleted
		e.result = result
		e.completedAt = time.Now()
		e.mu.Unlock()
		close(e.done)
	})
}

func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// Await blocks until the entry completes, the budget expires or the caller
// gives up. It never cancels the worker.
func (e *Entry) Await(ctx context.Context, budget time.Duration) (string, bool) {
	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case <-e.done:
		return e.Result()
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

func (e *Entry) Result() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == model.DeliveryStatusPending {
		return "", false
	}
	return e.result, true
}

func (e *Entry) Status() model.DeliveryStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Entry) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

// ClaimDelivery moves a completed entry to delivered. Exactly one caller
// wins the claim; the stored result stays readable either way.
func (e *Entry) ClaimDelivery() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != model.DeliveryStatusCompleted {
		return false
	}
	e.status = model.DeliveryStatusDelivered
	return true
}

// MarkSyncDelivered notes that a webhook response already carried the
// result, so the out-of-band pusher must stand down.
func (e *Entry) MarkSyncDelivered() {
	e.mu.Lock()
	e.syncReplied = true
	e.mu.Unlock()
	e.retryOnce.Do(func() { close(e.retryDone) })
}

func (e *Entry) SyncDelivered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncReplied
}

// FinishRetryFlow signals that the redelivery cycle is over without a
// synchronous delivery, releasing the pusher to act.
func (e *Entry) FinishRetryFlow() {
	e.retryOnce.Do(func() { close(e.retryDone) })
}

func (e *Entry) RetryFlowDone() <-chan struct{} {
	return e.retryDone
}

type MessageTracker struct {
	mu      sync.Mutex
	entries map[model.Fingerprint]*Entry
	ttl     time.Duration
	now     func() time.Time
}

func NewMessageTracker(ttl time.Duration) *MessageTracker {
	if ttl <= 0 {
		ttl = DefaultCompletedTTL
	}
	return &MessageTracker{
		entries: map[model.Fingerprint]*Entry{},
		ttl:     ttl,
		now:     time.Now,
	}
}

// Track returns the entry for a fingerprint, creating it on first sight,
// and the attempt number of this delivery.
func (t *MessageTracker) Track(fingerprint model.Fingerprint) (*Entry, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[fingerprint]
	if !ok {
		entry = newEntry(fingerprint, t.now())
		t.entries[fingerprint] = entry
	}
	entry.mu.Lock()
	entry.attempts++
	attempt := entry.attempts
	entry.mu.Unlock()
	return entry, attempt
}

func (t *MessageTracker) Lookup(fingerprint model.Fingerprint) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[fingerprint]
	return entry, ok
}

func (t *MessageTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Sweep unlinks entries whose result has been held past the ttl. Pending
// entries stay: their worker completes them within its own deadline. An
// unlinked entry is marked expired under its lock first, so a racing
// worker write lands on a detached entry and nothing else.
func (t *MessageTracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	swept := 0
	for fingerprint, entry := range t.entries {
		entry.mu.Lock()
		expired := entry.status != model.DeliveryStatusPending && now.Sub(entry.completedAt) > t.ttl
		if expired {
			entry.status = model.DeliveryStatusExpired
		}
		entry.mu.Unlock()
		if expired {
			delete(t.entries, fingerprint)
			swept++
		}
	}
	return swept
}

func (t *MessageTracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}

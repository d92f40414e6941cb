package store

import (
	"context"
	"sync"
	"time"

	"github.com/loopreply/wegate/internal/model"
)

const (
	DefaultWaitingTTL           time.Duration = 30 * time.Second
	DefaultWaitingSweepInterval time.Duration = 30 * time.Second
)

type WaitingState struct {
	User        string
	Fingerprint model.Fingerprint
	Remaining   int
	ExpiresAt   time.Time
}

// WaitingList holds the users parked in the interactive "reply 1 to keep
// waiting" loop. Purely in-memory, one record per user.
type WaitingList struct {
	mu    sync.Mutex
	users map[string]*WaitingState
	ttl   time.Duration
	now   func() time.Time
}

func NewWaitingList(ttl time.Duration) *WaitingList {
	if ttl <= 0 {
		ttl = DefaultWaitingTTL
	}
	return &WaitingList{
		users: map[string]*WaitingState{},
		ttl:   ttl,
		now:   time.Now,
	}
}

func (w *WaitingList) Register(user string, fingerprint model.Fingerprint, remaining int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.users[user] = &WaitingState{
		User:        user,
		Fingerprint: fingerprint,
		Remaining:   remaining,
		ExpiresAt:   w.now().Add(w.ttl),
	}
}

func (w *WaitingList) Get(user string) (WaitingState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	state, ok := w.users[user]
	if !ok {
		return WaitingState{}, false
	}
	if w.now().After(state.ExpiresAt) {
		delete(w.users, user)
		return WaitingState{}, false
	}
	return *state, true
}

// TryContinue consumes one continuation. ok is false when the user is not
// waiting or the allowance is spent; exhaustion clears the record.
func (w *WaitingList) TryContinue(user string) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	state, ok := w.users[user]
	if !ok {
		return 0, false
	}
	if w.now().After(state.ExpiresAt) || state.Remaining <= 0 {
		delete(w.users, user)
		return 0, false
	}
	state.Remaining--
	state.ExpiresAt = w.now().Add(w.ttl)
	return state.Remaining, true
}

func (w *WaitingList) Clear(user string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.users, user)
}

func (w *WaitingList) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.users)
}

func (w *WaitingList) Sweep(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	swept := 0
	for user, state := range w.users {
		if now.After(state.ExpiresAt) {
			delete(w.users, user)
			swept++
		}
	}
	return swept
}

func (w *WaitingList) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultWaitingSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.Sweep(now)
		}
	}
}

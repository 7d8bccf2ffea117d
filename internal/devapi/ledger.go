package devapi

import (
	"sync"
	"time"

	"github.com/tendant/meal-snap/pkg/mealupload"
)

// Plan names.
const (
	PlanFree = "FREE"
	PlanPro  = "PRO"
)

// Ledger defaults.
const (
	DefaultFreeLimit = 5
	DefaultWindow    = 7 * 24 * time.Hour
)

// Ledger counts analyses per user over a rolling window. It is a local
// stand-in for the real quota engine.
type Ledger struct {
	window    time.Duration
	freeLimit int
	pro       map[string]bool
	now       func() time.Time

	mu     sync.Mutex
	events map[string][]time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithWindow sets the rolling window length.
func WithWindow(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		l.window = d
	}
}

// WithFreeLimit sets the number of analyses a FREE user gets per window.
func WithFreeLimit(n int) LedgerOption {
	return func(l *Ledger) {
		l.freeLimit = n
	}
}

// WithProUsers marks users as PRO (unlimited).
func WithProUsers(users ...string) LedgerOption {
	return func(l *Ledger) {
		for _, u := range users {
			if u != "" {
				l.pro[u] = true
			}
		}
	}
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		window:    DefaultWindow,
		freeLimit: DefaultFreeLimit,
		pro:       make(map[string]bool),
		now:       time.Now,
		events:    make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Snapshot returns the user's current usage.
func (l *Ledger) Snapshot(user string) mealupload.QuotaSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked(user, l.now())
}

// Consume records one analysis if the user has quota left and returns the
// usage after the attempt.
func (l *Ledger) Consume(user string) (mealupload.QuotaSnapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	snap := l.snapshotLocked(user, now)
	if snap.Exhausted() {
		return snap, false
	}
	l.events[user] = append(l.events[user], now)
	return l.snapshotLocked(user, now), true
}

func (l *Ledger) snapshotLocked(user string, now time.Time) mealupload.QuotaSnapshot {
	cutoff := now.Add(-l.window)
	kept := l.events[user][:0]
	for _, at := range l.events[user] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	l.events[user] = kept

	snap := mealupload.QuotaSnapshot{
		Used:       len(kept),
		WindowDays: int(l.window / (24 * time.Hour)),
	}
	if l.pro[user] {
		snap.Plan = PlanPro
		snap.Limit = mealupload.UnlimitedRemaining
		snap.Remaining = mealupload.UnlimitedRemaining
		return snap
	}
	snap.Plan = PlanFree
	snap.Limit = l.freeLimit
	snap.Remaining = max(l.freeLimit-len(kept), 0)
	return snap
}

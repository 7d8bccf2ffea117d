package mealupload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultRefreshTimeout bounds a background quota refresh.
const DefaultRefreshTimeout = 30 * time.Second

// QuotaFetcher reads the authoritative usage snapshot. *Client implements it.
type QuotaFetcher interface {
	FetchQuota(ctx context.Context) (QuotaSnapshot, error)
}

// QuotaStore holds the shared snapshot. Save is last-write-wins, so the most
// recently completed update is what readers see.
type QuotaStore interface {
	Load(ctx context.Context) (QuotaSnapshot, bool, error)
	Save(ctx context.Context, snap QuotaSnapshot) error
}

// MemoryQuotaStore is an in-process QuotaStore.
type MemoryQuotaStore struct {
	mu   sync.RWMutex
	snap QuotaSnapshot
	ok   bool
}

// NewMemoryQuotaStore creates an empty in-process store.
func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{}
}

func (s *MemoryQuotaStore) Load(ctx context.Context) (QuotaSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, s.ok, nil
}

func (s *MemoryQuotaStore) Save(ctx context.Context, snap QuotaSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.ok = true
	return nil
}

// Reconciler keeps the shared QuotaSnapshot current after quota-affecting
// requests. Its failures never propagate into a pipeline run.
type Reconciler struct {
	fetcher QuotaFetcher
	store   QuotaStore
	timeout time.Duration
	logger  *slog.Logger

	group singleflight.Group
	wg    sync.WaitGroup

	mu        sync.RWMutex
	listeners map[int]func(QuotaSnapshot)
	nextID    int
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithRefreshTimeout bounds each background refresh.
func WithRefreshTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.timeout = d
	}
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = l
	}
}

// NewReconciler creates a Reconciler. A nil store uses an in-process one.
func NewReconciler(fetcher QuotaFetcher, store QuotaStore, opts ...ReconcilerOption) *Reconciler {
	if store == nil {
		store = NewMemoryQuotaStore()
	}
	r := &Reconciler{
		fetcher:   fetcher,
		store:     store,
		timeout:   DefaultRefreshTimeout,
		logger:    slog.Default(),
		listeners: make(map[int]func(QuotaSnapshot)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Merge stores a snapshot fragment returned by another request.
func (r *Reconciler) Merge(ctx context.Context, snap QuotaSnapshot) error {
	if err := r.store.Save(ctx, snap); err != nil {
		return err
	}
	r.notify(snap)
	return nil
}

// Refresh fetches and stores the current snapshot. Concurrent calls share a
// single fetch.
func (r *Reconciler) Refresh(ctx context.Context) (QuotaSnapshot, error) {
	v, err, _ := r.group.Do("refresh", func() (any, error) {
		snap, err := r.fetcher.FetchQuota(ctx)
		if err != nil {
			return QuotaSnapshot{}, err
		}
		if err := r.Merge(ctx, snap); err != nil {
			return QuotaSnapshot{}, err
		}
		return snap, nil
	})
	if err != nil {
		return QuotaSnapshot{}, err
	}
	return v.(QuotaSnapshot), nil
}

// RefreshAsync refreshes in the background. Errors are logged and dropped.
func (r *Reconciler) RefreshAsync() {
	r.Reconcile(nil, true)
}

// Reconcile stores fragment (when non-nil) and then, if refresh is set,
// fetches the authoritative snapshot. Both steps run in the background in that
// order; errors are logged and dropped.
func (r *Reconciler) Reconcile(fragment *QuotaSnapshot, refresh bool) {
	refresh = refresh && r.fetcher != nil
	if fragment == nil && !refresh {
		return
	}
	var snap QuotaSnapshot
	if fragment != nil {
		snap = *fragment
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeoutCause(context.Background(), r.timeout, ErrTimeout)
		defer cancel()

		if fragment != nil {
			if err := r.Merge(ctx, snap); err != nil {
				r.logger.Warn("quota merge failed", "err", err)
			}
		}
		if refresh {
			if _, err := r.Refresh(ctx); err != nil {
				r.logger.Warn("quota refresh failed", "err", err)
			}
		}
	}()
}

// Snapshot returns the most recently stored snapshot.
func (r *Reconciler) Snapshot(ctx context.Context) (QuotaSnapshot, bool) {
	snap, ok, err := r.store.Load(ctx)
	if err != nil {
		r.logger.Warn("quota snapshot load failed", "err", err)
		return QuotaSnapshot{}, false
	}
	return snap, ok
}

// Subscribe registers fn for every stored snapshot and returns an unsubscribe func.
func (r *Reconciler) Subscribe(fn func(QuotaSnapshot)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Wait blocks until background refreshes have finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) notify(snap QuotaSnapshot) {
	r.mu.RLock()
	fns := make([]func(QuotaSnapshot), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(snap)
	}
}

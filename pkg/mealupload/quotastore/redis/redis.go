// Package redis stores the shared quota snapshot in Redis so that several
// pipeline instances acting for one user see the same counter.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tendant/meal-snap/pkg/mealupload"
)

// Defaults for Store.
const (
	DefaultKeyPrefix = "mealsnap:quota"
	DefaultTTL       = 7 * 24 * time.Hour
)

// Store is a mealupload.QuotaStore backed by a single Redis key per identity.
type Store struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	key    string
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix sets the key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithTTL sets how long a stored snapshot lives. Zero keeps it forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// New creates a Store for identity.
func New(client goredis.UniversalClient, identity string, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: DefaultKeyPrefix,
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if identity == "" {
		identity = "anonymous"
	}
	s.key = s.prefix + ":" + identity
	return s
}

// Key returns the Redis key the snapshot is stored under.
func (s *Store) Key() string {
	return s.key
}

// Load returns the stored snapshot. A missing key is not an error.
func (s *Store) Load(ctx context.Context) (mealupload.QuotaSnapshot, bool, error) {
	val, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return mealupload.QuotaSnapshot{}, false, nil
	}
	if err != nil {
		return mealupload.QuotaSnapshot{}, false, fmt.Errorf("redis get %s: %w", s.key, err)
	}

	var snap mealupload.QuotaSnapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return mealupload.QuotaSnapshot{}, false, fmt.Errorf("decode quota snapshot: %w", err)
	}
	return snap, true, nil
}

// Save overwrites the stored snapshot.
func (s *Store) Save(ctx context.Context, snap mealupload.QuotaSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode quota snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

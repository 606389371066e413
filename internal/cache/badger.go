package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const probeKey = "__assistd_cache_probe__"

// BadgerConfig configures a Badger-backed cache.
type BadgerConfig struct {
	// Dir is the Badger directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
}

// Badger is a Cache on an embedded Badger database.
type Badger struct {
	db     *badger.DB
	logger *zap.Logger
	now    func() time.Time
	closed atomic.Bool
}

// Option configures a Badger cache.
type Option func(*Badger)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(b *Badger) { b.now = now }
}

// OpenBadger opens the cache database.
func OpenBadger(cfg BadgerConfig, logger *zap.Logger, opts ...Option) (*Badger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var bopts badger.Options
	if cfg.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("cache dir is required unless in_memory is set")
		}
		bopts = badger.DefaultOptions(cfg.Dir)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}

	b := &Badger{db: db, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Get implements Cache.
func (b *Badger) Get(ctx context.Context, key string, dst any) (bool, error) {
	if err := b.usable(ctx); err != nil {
		return false, err
	}

	var rec record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		cacheRequests.WithLabelValues("miss").Inc()
		return false, nil
	}
	if err != nil {
		cacheRequests.WithLabelValues("error").Inc()
		return false, fmt.Errorf("cache get %q: %w", key, err)
	}

	if !b.now().Before(rec.ExpiresAt) {
		cacheRequests.WithLabelValues("expired").Inc()
		return false, nil
	}

	if err := json.Unmarshal(rec.Value, dst); err != nil {
		cacheRequests.WithLabelValues("error").Inc()
		return false, fmt.Errorf("decode cached value %q: %w", key, err)
	}
	cacheRequests.WithLabelValues("hit").Inc()
	return true, nil
}

// Set implements Cache. A non-positive ttl is a no-op.
func (b *Badger) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := b.usable(ctx); err != nil {
		return err
	}
	if ttl <= 0 {
		return nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value %q: %w", key, err)
	}
	data, err := json.Marshal(record{Value: raw, ExpiresAt: b.now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("encode cache record %q: %w", key, err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), data).WithTTL(ttl))
	})
	if err != nil {
		cacheWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	cacheWrites.WithLabelValues("ok").Inc()
	return nil
}

// Healthy writes and reads back a probe record.
func (b *Badger) Healthy(ctx context.Context) bool {
	want := b.now().UnixNano()
	if err := b.Set(ctx, probeKey, want, 10*time.Second); err != nil {
		b.logger.Debug("cache health probe write failed", zap.Error(err))
		return false
	}
	var got int64
	ok, err := b.Get(ctx, probeKey, &got)
	if err != nil || !ok || got != want {
		b.logger.Debug("cache health probe read failed", zap.Error(err), zap.Bool("found", ok))
		return false
	}
	return true
}

// Close closes the database. Later calls fail with ErrClosed.
func (b *Badger) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}

func (b *Badger) usable(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

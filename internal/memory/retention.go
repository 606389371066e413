package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/assistd/internal/privacy"
	"github.com/fyrsmithlabs/assistd/internal/vectorstore"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// MessagePurger deletes messages older than a cutoff.
type MessagePurger interface {
	DeleteMessagesOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
}

// SettingsReader reads the current privacy settings.
type SettingsReader interface {
	Settings(ctx context.Context) (privacy.Settings, error)
}

// RetentionSweeper enforces data_retention_days on messages and their
// vectors. A retention of zero keeps everything.
type RetentionSweeper struct {
	messages MessagePurger
	index    VectorIndex
	settings SettingsReader
	logger   *zap.Logger
	now      func() time.Time
	onPurge  []func()

	mu   sync.Mutex
	cron *cron.Cron
}

// RetentionOption configures a RetentionSweeper.
type RetentionOption func(*RetentionSweeper)

// WithRetentionClock overrides the time source.
func WithRetentionClock(now func() time.Time) RetentionOption {
	return func(r *RetentionSweeper) { r.now = now }
}

// WithPurgeHook registers fn to run after a sweep removes anything, for
// example to invalidate caches holding deleted messages.
func WithPurgeHook(fn func()) RetentionOption {
	return func(r *RetentionSweeper) { r.onPurge = append(r.onPurge, fn) }
}

// NewRetentionSweeper builds a sweeper.
func NewRetentionSweeper(messages MessagePurger, index VectorIndex, settings SettingsReader, logger *zap.Logger, opts ...RetentionOption) *RetentionSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &RetentionSweeper{
		messages: messages,
		index:    index,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep purges expired vectors, then deletes expired messages. Vectors
// are matched on their indexed timestamp, so entries orphaned by an
// earlier failed sweep or indexed after their message was deleted are
// removed on the next run. It returns the number of messages deleted.
func (r *RetentionSweeper) Sweep(ctx context.Context) (int, error) {
	set, err := r.settings.Settings(ctx)
	if err != nil {
		return 0, fmt.Errorf("read retention settings: %w", err)
	}
	if set.DataRetentionDays <= 0 {
		return 0, nil
	}

	cutoff := r.now().Add(-time.Duration(set.DataRetentionDays) * 24 * time.Hour)
	removed, err := r.index.Delete(ctx, func(m vectorstore.Metadata) bool {
		return indexedBefore(m, cutoff)
	})
	if err != nil {
		return 0, fmt.Errorf("purge expired vectors: %w", err)
	}

	ids, err := r.messages.DeleteMessagesOlderThan(ctx, cutoff)
	if err != nil {
		r.purged(removed)
		return 0, err
	}

	if len(ids) > 0 {
		// Catches vectors written between the two steps.
		expired := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			expired[id] = struct{}{}
		}
		late, err := r.index.Delete(ctx, func(m vectorstore.Metadata) bool {
			id, _ := m[MetaMessageID].(string)
			_, ok := expired[id]
			return ok
		})
		removed += late
		if err != nil {
			r.purged(removed + len(ids))
			return len(ids), fmt.Errorf("purge deleted message vectors: %w", err)
		}
	}
	r.purged(removed + len(ids))

	if removed > 0 || len(ids) > 0 {
		r.logger.Info("retention sweep complete",
			zap.Int("messages", len(ids)),
			zap.Int("vectors", removed),
			zap.Int("retention_days", set.DataRetentionDays),
		)
	}
	return len(ids), nil
}

func (r *RetentionSweeper) purged(n int) {
	if n == 0 {
		return
	}
	for _, fn := range r.onPurge {
		fn()
	}
}

func indexedBefore(m vectorstore.Metadata, cutoff time.Time) bool {
	raw, _ := m[MetaTimestamp].(string)
	if raw == "" {
		return false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false
	}
	return ts.Before(cutoff)
}

// Start runs Sweep on a cron schedule such as "@hourly".
func (r *RetentionSweeper) Start(ctx context.Context, schedule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return errors.New("retention sweeper already started")
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("retention sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("retention sweeper started", zap.String("schedule", schedule))
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (r *RetentionSweeper) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

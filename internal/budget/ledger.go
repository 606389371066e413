package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/assistd/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS budget_events (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		ts                 INTEGER NOT NULL,
		category           TEXT    NOT NULL,
		tokens_used        INTEGER NOT NULL,
		execution_time_sec REAL    NOT NULL,
		cost_usd           REAL    NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_budget_events_ts ON budget_events(ts)`,
	`CREATE TABLE IF NOT EXISTS budget_config (
		id                 INTEGER PRIMARY KEY CHECK (id = 1),
		daily_limit_usd    REAL    NOT NULL,
		monthly_limit_usd  REAL    NOT NULL,
		enforce            INTEGER NOT NULL,
		cost_per_token_usd REAL    NOT NULL
	)`,
}

// Ledger is the SQLite-backed budget ledger.
type Ledger struct {
	db       *sql.DB
	defaults Config
	logger   *zap.Logger
	now      func() time.Time

	costCounter   metric.Float64Counter
	tokensCounter metric.Int64Counter
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source for event stamps and windows.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates the tables if needed. defaults seed the config row on
// first read.
func NewLedger(ctx context.Context, db *sql.DB, defaults Config, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	if err := storage.Migrate(ctx, db, schema...); err != nil {
		return nil, fmt.Errorf("migrate budget tables: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{db: db, defaults: defaults, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}

	meter := otel.Meter("github.com/fyrsmithlabs/assistd/internal/budget")
	var err error
	if l.costCounter, err = meter.Float64Counter("assistd.budget.cost_usd",
		metric.WithDescription("Cost logged to the budget ledger"), metric.WithUnit("USD")); err != nil {
		return nil, fmt.Errorf("create cost counter: %w", err)
	}
	if l.tokensCounter, err = meter.Int64Counter("assistd.budget.tokens",
		metric.WithDescription("Tokens logged to the budget ledger")); err != nil {
		return nil, fmt.Errorf("create tokens counter: %w", err)
	}
	return l, nil
}

// LogEvent appends an event priced at the current rate and returns its
// cost. It never fails because of limits.
func (l *Ledger) LogEvent(ctx context.Context, category string, tokensUsed int, executionTimeSec float64) (float64, error) {
	cfg, err := l.Config(ctx)
	if err != nil {
		return 0, err
	}
	if tokensUsed < 0 {
		tokensUsed = 0
	}
	cost := float64(tokensUsed) * cfg.CostPerTokenUSD

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO budget_events (ts, category, tokens_used, execution_time_sec, cost_usd) VALUES (?, ?, ?, ?, ?)`,
		l.now().UnixMilli(), category, tokensUsed, executionTimeSec, cost,
	)
	if err != nil {
		return 0, fmt.Errorf("log budget event: %w", err)
	}

	attrs := metric.WithAttributes(attribute.String("category", category))
	l.costCounter.Add(ctx, cost, attrs)
	l.tokensCounter.Add(ctx, int64(tokensUsed), attrs)
	l.logger.Debug("budget event logged",
		zap.String("category", category),
		zap.Int("tokens", tokensUsed),
		zap.Float64("cost_usd", cost),
	)
	return cost, nil
}

// Totals sums both rolling windows.
func (l *Ledger) Totals(ctx context.Context) (Totals, error) {
	cfg, err := l.Config(ctx)
	if err != nil {
		return Totals{}, err
	}
	now := l.now()

	daily, err := l.window(ctx, now.Add(-DailyWindow))
	if err != nil {
		return Totals{}, err
	}
	monthly, err := l.window(ctx, now.Add(-MonthlyWindow))
	if err != nil {
		return Totals{}, err
	}
	daily.LimitUSD = cfg.DailyLimitUSD
	monthly.LimitUSD = cfg.MonthlyLimitUSD
	return Totals{Daily: daily, Monthly: monthly, Enforce: cfg.Enforce}, nil
}

func (l *Ledger) window(ctx context.Context, since time.Time) (WindowTotals, error) {
	var w WindowTotals
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0.0), COALESCE(SUM(tokens_used), 0) FROM budget_events WHERE ts > ?`,
		since.UnixMilli(),
	).Scan(&w.CostUSD, &w.Tokens)
	if err != nil {
		return WindowTotals{}, fmt.Errorf("sum budget window: %w", err)
	}
	return w, nil
}

// WithinLimits reports whether every limited window is under its limit.
func (l *Ledger) WithinLimits(ctx context.Context) (bool, error) {
	t, err := l.Totals(ctx)
	if err != nil {
		return false, err
	}
	return t.Within(), nil
}

// Gate returns an *ExceededError when enforcement is on and a limit is
// exceeded. Call it before the expensive operation.
func (l *Ledger) Gate(ctx context.Context) error {
	t, err := l.Totals(ctx)
	if err != nil {
		return err
	}
	if t.Enforce && !t.Within() {
		return &ExceededError{Daily: t.Daily, Monthly: t.Monthly}
	}
	return nil
}

// Require returns an *ExceededError when a limit is exceeded, whether or
// not enforcement is on. Remote spending goes through Require.
func (l *Ledger) Require(ctx context.Context) error {
	t, err := l.Totals(ctx)
	if err != nil {
		return err
	}
	if !t.Within() {
		return &ExceededError{Daily: t.Daily, Monthly: t.Monthly}
	}
	return nil
}

// Events returns the most recent events, newest first.
func (l *Ledger) Events(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, ts, category, tokens_used, execution_time_sec, cost_usd
		 FROM budget_events ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list budget events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e  Event
			ts int64
		)
		if err := rows.Scan(&e.ID, &ts, &e.Category, &e.TokensUsed, &e.ExecutionTimeSec, &e.CostUSD); err != nil {
			return nil, fmt.Errorf("scan budget event: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Config returns the current config, seeding it from defaults.
func (l *Ledger) Config(ctx context.Context) (Config, error) {
	var (
		c       Config
		enforce int
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT daily_limit_usd, monthly_limit_usd, enforce, cost_per_token_usd FROM budget_config WHERE id = 1`,
	).Scan(&c.DailyLimitUSD, &c.MonthlyLimitUSD, &enforce, &c.CostPerTokenUSD)
	if errors.Is(err, sql.ErrNoRows) {
		return l.writeConfig(ctx, l.defaults)
	}
	if err != nil {
		return Config{}, fmt.Errorf("read budget config: %w", err)
	}
	c.Enforce = enforce != 0
	return c, nil
}

// SetConfig applies a partial update.
func (l *Ledger) SetConfig(ctx context.Context, u ConfigUpdate) (Config, error) {
	cur, err := l.Config(ctx)
	if err != nil {
		return Config{}, err
	}
	next := cur.apply(u)
	if err := next.Validate(); err != nil {
		return Config{}, err
	}
	out, err := l.writeConfig(ctx, next)
	if err != nil {
		return Config{}, err
	}
	l.logger.Info("budget config updated",
		zap.Float64("daily_limit_usd", out.DailyLimitUSD),
		zap.Float64("monthly_limit_usd", out.MonthlyLimitUSD),
		zap.Bool("enforce", out.Enforce),
		zap.Float64("cost_per_token_usd", out.CostPerTokenUSD),
	)
	return out, nil
}

func (l *Ledger) writeConfig(ctx context.Context, c Config) (Config, error) {
	enforce := 0
	if c.Enforce {
		enforce = 1
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO budget_config (id, daily_limit_usd, monthly_limit_usd, enforce, cost_per_token_usd)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   daily_limit_usd = excluded.daily_limit_usd,
		   monthly_limit_usd = excluded.monthly_limit_usd,
		   enforce = excluded.enforce,
		   cost_per_token_usd = excluded.cost_per_token_usd`,
		c.DailyLimitUSD, c.MonthlyLimitUSD, enforce, c.CostPerTokenUSD,
	)
	if err != nil {
		return Config{}, fmt.Errorf("write budget config: %w", err)
	}
	return c, nil
}

package budget

import (
	"errors"
	"fmt"
	"time"
)

// Window lengths.
const (
	DailyWindow   = 24 * time.Hour
	MonthlyWindow = 30 * 24 * time.Hour
)

var (
	// ErrBudgetExceeded is the sentinel matched by *ExceededError.
	ErrBudgetExceeded = errors.New("budget limit exceeded")

	// ErrInvalidConfig is returned for negative limits or rates.
	ErrInvalidConfig = errors.New("invalid budget config")
)

// Event is one billed operation. Cost is fixed at logging time.
type Event struct {
	ID               int64     `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Category         string    `json:"category"`
	TokensUsed       int       `json:"tokens_used"`
	ExecutionTimeSec float64   `json:"execution_time_sec"`
	CostUSD          float64   `json:"cost_usd"`
}

// Config holds the limits and the per-token rate.
type Config struct {
	DailyLimitUSD   float64 `json:"daily_limit_usd"`
	MonthlyLimitUSD float64 `json:"monthly_limit_usd"`
	Enforce         bool    `json:"enforce"`
	CostPerTokenUSD float64 `json:"cost_per_token_usd"`
}

// ConfigUpdate is a partial config change. Nil fields keep their value.
type ConfigUpdate struct {
	DailyLimitUSD   *float64 `json:"daily_limit_usd,omitempty"`
	MonthlyLimitUSD *float64 `json:"monthly_limit_usd,omitempty"`
	Enforce         *bool    `json:"enforce,omitempty"`
	CostPerTokenUSD *float64 `json:"cost_per_token_usd,omitempty"`
}

func (c Config) apply(u ConfigUpdate) Config {
	if u.DailyLimitUSD != nil {
		c.DailyLimitUSD = *u.DailyLimitUSD
	}
	if u.MonthlyLimitUSD != nil {
		c.MonthlyLimitUSD = *u.MonthlyLimitUSD
	}
	if u.Enforce != nil {
		c.Enforce = *u.Enforce
	}
	if u.CostPerTokenUSD != nil {
		c.CostPerTokenUSD = *u.CostPerTokenUSD
	}
	return c
}

// Validate rejects negative values.
func (c Config) Validate() error {
	if c.DailyLimitUSD < 0 || c.MonthlyLimitUSD < 0 || c.CostPerTokenUSD < 0 {
		return fmt.Errorf("%w: limits and rate must not be negative", ErrInvalidConfig)
	}
	return nil
}

// WindowTotals is the usage accumulated in one window.
type WindowTotals struct {
	CostUSD  float64 `json:"cost_usd"`
	Tokens   int64   `json:"tokens"`
	LimitUSD float64 `json:"limit_usd"`
}

// Within reports whether the window is under its limit. Zero is unlimited.
func (w WindowTotals) Within() bool {
	return w.LimitUSD == 0 || w.CostUSD <= w.LimitUSD
}

// Totals is the usage in both windows.
type Totals struct {
	Daily   WindowTotals `json:"daily"`
	Monthly WindowTotals `json:"monthly"`
	Enforce bool         `json:"enforce"`
}

// Within reports whether every limited window is under its limit.
func (t Totals) Within() bool {
	return t.Daily.Within() && t.Monthly.Within()
}

// ExceededError is returned by a gate when a limit is exceeded. It carries
// both window totals.
type ExceededError struct {
	Daily   WindowTotals
	Monthly WindowTotals
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s: daily $%.4f of $%.4f, monthly $%.4f of $%.4f",
		ErrBudgetExceeded, e.Daily.CostUSD, e.Daily.LimitUSD, e.Monthly.CostUSD, e.Monthly.LimitUSD)
}

// Is makes errors.Is(err, ErrBudgetExceeded) match.
func (e *ExceededError) Is(target error) bool {
	return target == ErrBudgetExceeded
}

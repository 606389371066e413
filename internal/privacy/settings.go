package privacy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/assistd/internal/storage"
)

// Level controls whether anything may leave the machine.
type Level string

const (
	LevelLocalOnly   Level = "local_only"
	LevelBalanced    Level = "balanced"
	LevelPerformance Level = "performance"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelLocalOnly, LevelBalanced, LevelPerformance:
		return true
	}
	return false
}

// Aggressiveness controls when scrubbing is applied.
type Aggressiveness string

const (
	// AggressivenessStandard scrubs user input before it is persisted.
	AggressivenessStandard Aggressiveness = "standard"
	// AggressivenessStrict also scrubs model output before it is persisted.
	AggressivenessStrict Aggressiveness = "strict"
)

// Valid reports whether a is a known aggressiveness.
func (a Aggressiveness) Valid() bool {
	return a == AggressivenessStandard || a == AggressivenessStrict
}

// Settings is the process-wide privacy configuration.
type Settings struct {
	PrivacyLevel         Level          `json:"privacy_level"`
	DataRetentionDays    int            `json:"data_retention_days"`
	RedactAggressiveness Aggressiveness `json:"redact_aggressiveness"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Update is a partial settings change. Nil fields keep their value.
type Update struct {
	PrivacyLevel         *Level          `json:"privacy_level,omitempty"`
	DataRetentionDays    *int            `json:"data_retention_days,omitempty"`
	RedactAggressiveness *Aggressiveness `json:"redact_aggressiveness,omitempty"`
}

// Validate rejects unknown values.
func (u Update) Validate() error {
	var errs []error
	if u.PrivacyLevel != nil && !u.PrivacyLevel.Valid() {
		errs = append(errs, fmt.Errorf("%w: privacy_level %q", ErrInvalidSetting, *u.PrivacyLevel))
	}
	if u.DataRetentionDays != nil && *u.DataRetentionDays < 0 {
		errs = append(errs, fmt.Errorf("%w: data_retention_days %d", ErrInvalidSetting, *u.DataRetentionDays))
	}
	if u.RedactAggressiveness != nil && !u.RedactAggressiveness.Valid() {
		errs = append(errs, fmt.Errorf("%w: redact_aggressiveness %q", ErrInvalidSetting, *u.RedactAggressiveness))
	}
	return errors.Join(errs...)
}

func (s Settings) apply(u Update, now time.Time) Settings {
	if u.PrivacyLevel != nil {
		s.PrivacyLevel = *u.PrivacyLevel
	}
	if u.DataRetentionDays != nil {
		s.DataRetentionDays = *u.DataRetentionDays
	}
	if u.RedactAggressiveness != nil {
		s.RedactAggressiveness = *u.RedactAggressiveness
	}
	s.UpdatedAt = now
	return s
}

// SettingsStore reads and partially updates the settings. The first Get
// creates the record from defaults.
type SettingsStore interface {
	Get(ctx context.Context) (Settings, error)
	Update(ctx context.Context, u Update) (Settings, error)
}

// MemoryStore keeps settings in memory.
type MemoryStore struct {
	mu       sync.Mutex
	settings Settings
}

// NewMemoryStore returns a store seeded with defaults.
func NewMemoryStore(defaults Settings) *MemoryStore {
	if defaults.UpdatedAt.IsZero() {
		defaults.UpdatedAt = time.Now().UTC()
	}
	return &MemoryStore{settings: defaults}
}

func (m *MemoryStore) Get(context.Context) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, nil
}

func (m *MemoryStore) Update(_ context.Context, u Update) (Settings, error) {
	if err := u.Validate(); err != nil {
		return Settings{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = m.settings.apply(u, time.Now().UTC())
	return m.settings, nil
}

const settingsSchema = `CREATE TABLE IF NOT EXISTS privacy_settings (
	id                    INTEGER PRIMARY KEY CHECK (id = 1),
	privacy_level         TEXT    NOT NULL,
	data_retention_days   INTEGER NOT NULL,
	redact_aggressiveness TEXT    NOT NULL,
	updated_at            INTEGER NOT NULL
)`

// SQLiteStore persists settings as a single row.
type SQLiteStore struct {
	db       *sql.DB
	defaults Settings
}

// NewSQLiteStore creates the table if needed. defaults seed the row on
// first Get.
func NewSQLiteStore(ctx context.Context, db *sql.DB, defaults Settings) (*SQLiteStore, error) {
	if err := storage.Migrate(ctx, db, settingsSchema); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, defaults: defaults}, nil
}

func (s *SQLiteStore) Get(ctx context.Context) (Settings, error) {
	var (
		out       Settings
		level     string
		aggr      string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT privacy_level, data_retention_days, redact_aggressiveness, updated_at
		 FROM privacy_settings WHERE id = 1`,
	).Scan(&level, &out.DataRetentionDays, &aggr, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s.write(ctx, s.defaults.apply(Update{}, time.Now().UTC()))
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read privacy settings: %w", err)
	}
	out.PrivacyLevel = Level(level)
	out.RedactAggressiveness = Aggressiveness(aggr)
	out.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return out, nil
}

func (s *SQLiteStore) Update(ctx context.Context, u Update) (Settings, error) {
	if err := u.Validate(); err != nil {
		return Settings{}, err
	}
	cur, err := s.Get(ctx)
	if err != nil {
		return Settings{}, err
	}
	return s.write(ctx, cur.apply(u, time.Now().UTC()))
}

func (s *SQLiteStore) write(ctx context.Context, v Settings) (Settings, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO privacy_settings (id, privacy_level, data_retention_days, redact_aggressiveness, updated_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   privacy_level = excluded.privacy_level,
		   data_retention_days = excluded.data_retention_days,
		   redact_aggressiveness = excluded.redact_aggressiveness,
		   updated_at = excluded.updated_at`,
		string(v.PrivacyLevel), v.DataRetentionDays, string(v.RedactAggressiveness), v.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return Settings{}, fmt.Errorf("write privacy settings: %w", err)
	}
	v.UpdatedAt = time.UnixMilli(v.UpdatedAt.UnixMilli()).UTC()
	return v, nil
}

var (
	_ SettingsStore = (*MemoryStore)(nil)
	_ SettingsStore = (*SQLiteStore)(nil)
)

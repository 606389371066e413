package privacy

import (
	"context"

	"go.uber.org/zap"
)

// Decision is the outcome of Enforce.
type Decision struct {
	Classification           Classification `json:"classification"`
	ShouldProcessLocally     bool           `json:"should_process_locally"`
	RedactedContent          string         `json:"redacted_content"`
	OriginalContentPreserved bool           `json:"original_content_preserved"`
}

// Service combines classification, redaction and settings. Callers read
// settings through it before acting on user data.
type Service struct {
	classifier *Classifier
	redactor   *Redactor
	store      SettingsStore
	logger     *zap.Logger
}

// NewService wires a service. credentials may be nil.
func NewService(store SettingsStore, credentials CredentialDetector, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		classifier: NewClassifier(credentials),
		redactor:   NewRedactor(credentials),
		store:      store,
		logger:     logger,
	}
}

// Classify returns the sensitivity of text.
func (s *Service) Classify(text string) Classification {
	return s.classifier.Classify(text)
}

// Redact returns text with recognized shapes replaced.
func (s *Service) Redact(text string) string {
	return s.redactor.Redact(text)
}

// ShouldProcessLocally reports whether text is at or above threshold.
func (s *Service) ShouldProcessLocally(text string, threshold Classification) bool {
	return s.classifier.ShouldProcessLocally(text, threshold)
}

// Enforce decides whether text must stay local at the Sensitive threshold.
// Local content is returned redacted; otherwise the original is preserved.
func (s *Service) Enforce(text string) Decision {
	c := s.classifier.Classify(text)
	local := c.AtLeast(Sensitive)
	d := Decision{
		Classification:           c,
		ShouldProcessLocally:     local,
		RedactedContent:          text,
		OriginalContentPreserved: !local,
	}
	if local {
		d.RedactedContent = s.redactor.Redact(text)
	}
	return d
}

// Settings returns the current settings.
func (s *Service) Settings(ctx context.Context) (Settings, error) {
	return s.store.Get(ctx)
}

// UpdateSettings applies a partial update.
func (s *Service) UpdateSettings(ctx context.Context, u Update) (Settings, error) {
	out, err := s.store.Update(ctx, u)
	if err != nil {
		return Settings{}, err
	}
	s.logger.Info("privacy settings updated",
		zap.String("privacy_level", string(out.PrivacyLevel)),
		zap.Int("data_retention_days", out.DataRetentionDays),
		zap.String("redact_aggressiveness", string(out.RedactAggressiveness)),
	)
	return out, nil
}

// ScrubInput redacts text that is about to be persisted. Both
// aggressiveness levels scrub input.
func (s *Service) ScrubInput(ctx context.Context, text string) (string, error) {
	set, err := s.store.Get(ctx)
	if err != nil {
		return "", err
	}
	if set.RedactAggressiveness.Valid() {
		return s.redactor.Redact(text), nil
	}
	return text, nil
}

// ScrubOutput redacts model output before persistence in strict mode only.
func (s *Service) ScrubOutput(ctx context.Context, text string) (string, error) {
	set, err := s.store.Get(ctx)
	if err != nil {
		return "", err
	}
	if set.RedactAggressiveness == AggressivenessStrict {
		return s.redactor.Redact(text), nil
	}
	return text, nil
}

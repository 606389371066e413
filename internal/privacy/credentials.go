package privacy

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// CredentialFinding is one detected credential.
type CredentialFinding struct {
	RuleID string
	Secret string
}

// CredentialDetector finds credentials in text.
type CredentialDetector interface {
	Detect(text string) []CredentialFinding
}

// Allowlist holds content patterns that are never reported as credentials.
type Allowlist struct {
	Regexes []string
}

// LoadAllowlist reads a gitleaks-style TOML allowlist:
//
//	[allowlist]
//	regexes = ['''EXAMPLE_KEY''']
//
// A missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Allowlist{}, nil
	}

	var file struct {
		Allowlist struct {
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	return &Allowlist{Regexes: file.Allowlist.Regexes}, nil
}

// GitleaksDetector detects credentials with the gitleaks default ruleset.
type GitleaksDetector struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewGitleaksDetector builds the detector once; rule compilation is the
// expensive part. allowlist may be nil.
func NewGitleaksDetector(allowlist *Allowlist) (*GitleaksDetector, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("create gitleaks detector: %w", err)
	}
	if allowlist != nil && len(allowlist.Regexes) > 0 {
		global := &gitleaksConfig.Allowlist{Description: "assistd allowlist"}
		for _, pattern := range allowlist.Regexes {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
			}
			global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
		}
		d.Config.Allowlists = append(d.Config.Allowlists, global)
	}
	return &GitleaksDetector{detector: d}, nil
}

// Detect implements CredentialDetector.
func (g *GitleaksDetector) Detect(text string) []CredentialFinding {
	if text == "" {
		return nil
	}
	g.mu.Lock()
	findings := g.detector.DetectString(text)
	g.mu.Unlock()

	out := make([]CredentialFinding, 0, len(findings))
	for _, f := range findings {
		out = append(out, CredentialFinding{RuleID: f.RuleID, Secret: f.Secret})
	}
	return out
}

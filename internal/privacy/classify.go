package privacy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Classification is an ordered sensitivity level.
type Classification int

const (
	Public Classification = iota
	Personal
	Sensitive
	Restricted
)

var classificationNames = [...]string{"public", "personal", "sensitive", "restricted"}

func (c Classification) String() string {
	if c < Public || c > Restricted {
		return fmt.Sprintf("classification(%d)", int(c))
	}
	return classificationNames[c]
}

// AtLeast reports whether c is at or above threshold.
func (c Classification) AtLeast(threshold Classification) bool {
	return c >= threshold
}

// MarshalJSON encodes the classification by name.
func (c Classification) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// ParseClassification parses a classification name.
func ParseClassification(s string) (Classification, error) {
	for i, name := range classificationNames {
		if strings.EqualFold(s, name) {
			return Classification(i), nil
		}
	}
	return Public, fmt.Errorf("unknown classification %q", s)
}

// Data shapes. Sensitive shapes are checked before personal ones.
var (
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{4}\b`)
	ibanPattern  = regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`)
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`\b\+?\d{1,3}[\s.-]?\(?\d{1,4}\)?[\s.-]?\d{3,4}[\s.-]?\d{3,4}\b`)
	acctPattern  = regexp.MustCompile(`\b\d{9,19}\b`)
	ipv4Pattern  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	sensitivePatterns = []*regexp.Regexp{ssnPattern, cardPattern, ibanPattern}
	personalPatterns  = []*regexp.Regexp{emailPattern, phonePattern, acctPattern, ipv4Pattern}
)

var (
	sensitiveKeywords = []string{
		"password", "social security", "medical record", "financial",
		"ssn", "credit card", "bank account", "tax id", "national insurance",
	}
	personalKeywords = []string{
		"name", "address", "phone", "email", "birthday", "birth date",
		"passport", "driver's license", "national id",
	}
)

// Classifier assigns a Classification to text. It is safe for concurrent
// use and deterministic for a fixed credential detector.
type Classifier struct {
	credentials CredentialDetector
}

// NewClassifier returns a classifier. A nil detector disables credential
// checks.
func NewClassifier(credentials CredentialDetector) *Classifier {
	return &Classifier{credentials: credentials}
}

// Classify returns the first matching classification.
func (c *Classifier) Classify(text string) Classification {
	if c.credentials != nil && len(c.credentials.Detect(text)) > 0 {
		return Sensitive
	}
	for _, re := range sensitivePatterns {
		if re.MatchString(text) {
			return Sensitive
		}
	}
	for _, re := range personalPatterns {
		if re.MatchString(text) {
			return Personal
		}
	}

	lower := strings.ToLower(text)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return Sensitive
		}
	}
	for _, kw := range personalKeywords {
		if strings.Contains(lower, kw) {
			return Personal
		}
	}
	return Public
}

// ShouldProcessLocally reports whether text classifies at or above
// threshold.
func (c *Classifier) ShouldProcessLocally(text string, threshold Classification) bool {
	return c.Classify(text).AtLeast(threshold)
}

package privacy

import (
	"regexp"
	"strings"
)

// Placeholders substituted by Redactor.
const (
	EmailPlaceholder  = "[EMAIL_REDACTED]"
	PhonePlaceholder  = "[PHONE_REDACTED]"
	CardPlaceholder   = "[CREDIT_CARD_REDACTED]"
	SSNPlaceholder    = "[SSN_REDACTED]"
	IBANPlaceholder   = "[IBAN_REDACTED]"
	IPPlaceholder     = "[IP_REDACTED]"
	SecretPlaceholder = "[SECRET_REDACTED]"
)

type substitution struct {
	pattern     *regexp.Regexp
	placeholder string
}

// Applied in this order.
var substitutions = []substitution{
	{emailPattern, EmailPlaceholder},
	{phonePattern, PhonePlaceholder},
	{cardPattern, CardPlaceholder},
	{ssnPattern, SSNPlaceholder},
	{ibanPattern, IBANPlaceholder},
	{ipv4Pattern, IPPlaceholder},
}

// maxPasses bounds the fixpoint loop. No placeholder contains a digit or
// an @, so real input settles after one or two passes.
const maxPasses = 4

// Redactor replaces recognized sensitive substrings with placeholders.
type Redactor struct {
	credentials CredentialDetector
}

// NewRedactor returns a redactor. A nil detector leaves credentials alone.
func NewRedactor(credentials CredentialDetector) *Redactor {
	return &Redactor{credentials: credentials}
}

// Redact returns text with every recognized shape substituted. It is
// idempotent: Redact(Redact(x)) == Redact(x).
func (r *Redactor) Redact(text string) string {
	out := text
	for range maxPasses {
		next := r.pass(out)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func (r *Redactor) pass(text string) string {
	if r.credentials != nil {
		for _, f := range r.credentials.Detect(text) {
			if f.Secret != "" {
				text = strings.ReplaceAll(text, f.Secret, SecretPlaceholder)
			}
		}
	}
	for _, s := range substitutions {
		text = s.pattern.ReplaceAllLiteralString(text, s.placeholder)
	}
	return text
}

package privacy

import (
	"testing"
)

// FuzzRedact_Idempotent checks that redacting already redacted text is a
// no-op, so placeholders never create new matches.
func FuzzRedact_Idempotent(f *testing.F) {
	for _, seed := range []string{
		"",
		"plain text",
		"jane@example.com",
		"call +1 (555) 123-4567 now",
		"4111-1111-1111-1111 and 123-45-6789",
		"a@b.co 192.168.0.1 GB82WEST12345698765432",
		"nested a@b@c.de and 1.2.3.4.5.6.7.8",
		"account 123456789012",
		EmailPlaceholder + "@example.com",
		"555-" + PhonePlaceholder + "-4567",
	} {
		f.Add(seed)
	}

	r := NewRedactor(nil)
	f.Fuzz(func(t *testing.T, text string) {
		once := r.Redact(text)
		if twice := r.Redact(once); twice != once {
			t.Fatalf("redaction not idempotent\ninput:  %q\nonce:   %q\ntwice:  %q", text, once, twice)
		}
	})
}

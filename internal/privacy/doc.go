// Package privacy classifies text sensitivity, redacts recognizable
// personal data and credentials, and owns the mutable privacy settings.
//
// Classification checks, in order: credentials and sensitive data shapes
// (national ID, payment card, IBAN), personal data shapes (email, phone,
// long account numbers, IPv4), sensitive keywords, personal keywords. The
// first match wins and anything else is public.
//
// Redaction replaces each recognized shape with a fixed placeholder and is
// idempotent. Credentials are found with the gitleaks default ruleset,
// optionally narrowed by a TOML allowlist.
package privacy

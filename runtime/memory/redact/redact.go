// Package redact strips PII-shaped substrings (email addresses, phone
// numbers, payment-card-like digit sequences) from turn content before it
// reaches any non-canonical memory adapter, replacing each match with an
// opaque token and recording a SHA-256 hash of the original for
// auditability. The canonical adapter is exempt: it is the user's own data
// store and may keep unredacted content.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`(?:\+?\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
)

const (
	emailToken = "[REDACTED_EMAIL]"
	phoneToken = "[REDACTED_PHONE]"
	cardToken  = "[REDACTED_CARD]"
)

// Result is the outcome of redacting a single string.
type Result struct {
	// Text is the content with every PII-shaped match replaced by its token.
	Text string
	// Redacted reports whether any substitution occurred.
	Redacted bool
	// AuditHash is the hex-encoded SHA-256 of the original, unredacted text,
	// present only when Redacted is true.
	AuditHash string
}

// String redacts a single string, returning the scrubbed text alongside an
// audit hash of the original when any pattern matched.
func String(s string) Result {
	redacted := false

	out := emailPattern.ReplaceAllStringFunc(s, func(match string) string {
		redacted = true
		return emailToken
	})
	out = phonePattern.ReplaceAllStringFunc(out, func(match string) string {
		redacted = true
		return phoneToken
	})
	out = cardPattern.ReplaceAllStringFunc(out, func(match string) string {
		redacted = true
		return cardToken
	})

	if !redacted {
		return Result{Text: s}
	}
	sum := sha256.Sum256([]byte(s))
	return Result{Text: out, Redacted: true, AuditHash: hex.EncodeToString(sum[:])}
}

// Package pii redacts personally identifiable fragments from free text
// before it is persisted in explanations or discovery card examples.
package pii

import (
	"regexp"
)

var (
	emailRe = regexp.MustCompile(`(?i)\b[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}\b`)
	phoneRe = regexp.MustCompile(`\b(?:\+?\d{1,3}[-.\s]?)?(?:\(?\d{2,4}\)?[-.\s]?)?\d{3,4}[-.\s]?\d{4}\b`)
	ssnRe   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

// Scrub replaces emails, phone numbers, and SSNs with bracketed markers.
// The substitution is pure: the same input always yields the same output.
func Scrub(s string) string {
	s = emailRe.ReplaceAllString(s, "[email]")
	s = ssnRe.ReplaceAllString(s, "[ssn]")
	s = phoneRe.ReplaceAllString(s, "[phone]")
	return s
}

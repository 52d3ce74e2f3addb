package services

import (
	"regexp"
	"strings"
	"unicode"
)

// emailRegex is a lightweight shape check, not full RFC 5322.
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

const (
	maxNameLength  = 100
	maxEmailLength = 254
)

// NormalizeIdentity trims the display name and lowercases the email, which is
// the partition key: "Ana@X.com" and "ana@x.com" share one conversation.
func NormalizeIdentity(name, email string) (string, string, error) {
	name = sanitizeName(name)
	email = strings.ToLower(strings.TrimSpace(email))

	if name == "" || email == "" {
		return "", "", ErrInvalidIdentity
	}
	if len(email) > maxEmailLength || !emailRegex.MatchString(email) {
		return "", "", ErrInvalidIdentity
	}
	return name, email, nil
}

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	if runes := []rune(name); len(runes) > maxNameLength {
		name = string(runes[:maxNameLength])
	}
	return name
}

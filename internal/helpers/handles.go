package helpers

import (
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var (
	nonDialable = regexp.MustCompile(`[^\d+*#]`)
	hasLetter   = regexp.MustCompile(`[A-Za-z]`)
)

// NormalizeHandle reduces a phone handle or SIP/tel URI to its dialable digits.
// Named SIP users are lowercased instead.
func NormalizeHandle(handle string) string {
	handle = strings.TrimSpace(handle)
	handle = strings.TrimPrefix(handle, "sip:")
	handle = strings.TrimPrefix(handle, "tel:")

	if idx := strings.Index(handle, "@"); idx != -1 {
		handle = handle[:idx]
	}
	if idx := strings.Index(handle, ";"); idx != -1 {
		handle = handle[:idx]
	}
	if hasLetter.MatchString(handle) {
		return strings.ToLower(handle)
	}
	return nonDialable.ReplaceAllString(handle, "")
}

// FormatSIPURI formats a handle as a SIP URI. Handles that already carry a
// scheme are returned unchanged.
func FormatSIPURI(handle, domain string) string {
	if strings.HasPrefix(handle, "sip:") || strings.HasPrefix(handle, "tel:") {
		return handle
	}
	if domain == "" {
		domain = "localhost"
	}
	return "sip:" + NormalizeHandle(handle) + "@" + domain
}

// Fingerprint is a short unkeyed digest of a normalized handle. It is used
// in logs and store keys so raw phone numbers are not written out.
func Fingerprint(handle string) string {
	sum := blake2b.Sum256([]byte(NormalizeHandle(handle)))
	return hex.EncodeToString(sum[:8])
}

package task

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeResourceKey canonicalises a resource key so that differently
// cased or composed spellings share one budget and one breaker.
func NormalizeResourceKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return cases.Fold().String(norm.NFKC.String(key))
}

// Fingerprint returns the SHA-256 of the RFC 8785 canonical form of payload.
// Two payloads that differ only in key order or whitespace share a fingerprint.
func Fingerprint(payload []byte) (string, error) {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 helpers. Every hash in bridgegate (audit
// chain links, checkpoint hashes) is computed over the canonical form
// so that re-serialization never changes a digest.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal returns the RFC 8785 canonical JSON representation of v.
// Map keys are sorted by UTF-8 byte order and number formatting is
// normalized, so equal values always produce identical bytes.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical form of v.
func Hash(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes as a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

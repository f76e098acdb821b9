package runs

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewRunID returns a run identifier: the demo_ prefix plus 16 hex characters
// of entropy. IDs are generated server-side so they are never predictable.
func NewRunID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return "demo_" + hex.EncodeToString(b[:]), nil
}

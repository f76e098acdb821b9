package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// actorKeyInfo binds the derived MAC key to this purpose so the same salt
// cannot be reused to correlate actor keys with other derivations.
const actorKeyInfo = "decisionproof:actor-key:v1"

// Deriver computes stable, non-reversible actor keys from caller-identity
// headers. The raw identity is never stored or logged; only the keyed hash
// leaves this package, and it partitions every counter and run record.
type Deriver struct {
	macKey []byte
}

// NewDeriver expands the configured salt into a purpose-bound MAC key.
func NewDeriver(salt string) (*Deriver, error) {
	if strings.TrimSpace(salt) == "" {
		return nil, fmt.Errorf("actor key salt is required")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(salt), nil, []byte(actorKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive actor mac key: %w", err)
	}
	return &Deriver{macKey: key}, nil
}

// ActorKey derives the opaque key for r's caller. The gateway-provided actor
// id header is preferred; absent that, the Authorization header value is
// pre-hashed and used as the identity, so direct callers remain stable
// per credential without the credential itself entering the MAC input.
func (d *Deriver) ActorKey(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(ActorIDHeader))
	if id == "" {
		sum := sha256.Sum256([]byte(r.Header.Get("Authorization")))
		id = hex.EncodeToString(sum[:])
	}

	mac := hmac.New(sha256.New, d.macKey)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

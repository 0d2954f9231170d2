// Package identity generates producer authentication challenges and
// defines the external account-signature verification collaborator
// named out of scope in spec.md §1.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/sha3"
)

// Challenge is the nonce/timestamp/nodeId triple sent to a producer in
// auth_required, matching pkg/wire.Challenge on the field level.
type Challenge struct {
	Nonce     string
	Timestamp int64
	NodeID    string
}

// NewChallenge generates a fresh challenge for nodeID. The nonce is a
// sha3-256 digest of 32 random bytes plus the issuing Unix timestamp
// (whole seconds), so its uniqueness rests on the random bytes: two
// challenges issued in the same second collide only if those bytes
// repeat.
func NewChallenge(nodeID string) (Challenge, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return Challenge{}, err
	}
	ts := time.Now().Unix()

	h := sha3.New256()
	h.Write(raw)
	var tsBuf [8]byte
	for i := 0; i < 8; i++ {
		tsBuf[i] = byte(ts >> (8 * i))
	}
	h.Write(tsBuf[:])

	return Challenge{
		Nonce:     hex.EncodeToString(h.Sum(nil)),
		Timestamp: ts,
		NodeID:    nodeID,
	}, nil
}

// Verifier is the external account-signature verification collaborator:
// given the account's currently-active public key (looked up on an
// external identity registry), verify signature over sha256(message)
// per spec.md §6's signature verification rule, and confirm message
// JSON-contains the exact challenge previously sent.
type Verifier interface {
	Verify(ctx context.Context, account string, challenge Challenge, signature, message []byte) error
}

// AllowAllVerifier accepts every signature. With
// HONEYGRAPH_AUTH_REQUIRED=false the Producer Session never calls
// Verify at all. cmd/honeygraphd wires this verifier in every
// configuration, so with HONEYGRAPH_AUTH_REQUIRED=true only the
// authorized-account allowlist restricts admission there; signatures
// are not checked against an identity registry.
type AllowAllVerifier struct{}

// Verify implements Verifier by always succeeding.
func (AllowAllVerifier) Verify(context.Context, string, Challenge, []byte, []byte) error {
	return nil
}

var _ Verifier = AllowAllVerifier{}

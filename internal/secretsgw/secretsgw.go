// Package secretsgw is the named external-collaborator contract for the
// secret store and key-wrapping service (spec §1 Non-goals). DebugRecorder
// and chat-key encryption consume it; the core never manages key material
// directly.
package secretsgw

import (
	"context"
	"encoding/base64"
	"fmt"
)

// Gateway wraps per-user encryption used by the debug ring buffer and
// assistant-message persistence.
type Gateway interface {
	Encrypt(ctx context.Context, userID string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, userID string, ciphertext []byte) ([]byte, error)
}

// FakeGateway is a reversible, non-cryptographic stand-in for tests: it
// base64-encodes rather than encrypts, so round-trips are easy to assert on
// without a real key-wrapping service.
type FakeGateway struct{}

func NewFakeGateway() *FakeGateway { return &FakeGateway{} }

func (FakeGateway) Encrypt(_ context.Context, _ string, plaintext []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(plaintext)))
	base64.StdEncoding.Encode(out, plaintext)
	return out, nil
}

func (FakeGateway) Decrypt(_ context.Context, _ string, ciphertext []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(ciphertext)))
	n, err := base64.StdEncoding.Decode(out, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("secretsgw: decode: %w", err)
	}
	return out[:n], nil
}

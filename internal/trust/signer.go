package trust

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"opsisagent/internal/clock"
)

// Reserved fields appended to every signed message.
const (
	FieldSignature = "_signature"
	FieldTimestamp = "_timestamp"
	FieldNonce     = "_nonce"
)

const nonceBytes = 16

// Signer stamps outbound messages with nonce, timestamp, and HMAC.
type Signer struct {
	keyring *Keyring
	clock   clock.Clock
}

// NewSigner creates signer reading the current secret per message.
func NewSigner(keyring *Keyring, clk clock.Clock) *Signer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Signer{keyring: keyring, clock: clk}
}

// Sign returns signed copy of payload using the vault secret.
// Params: ctx bounding vault read and payload fields.
// Returns: payload plus _nonce, _timestamp, _signature, or ErrTrustUnavailable.
func (s *Signer) Sign(ctx context.Context, payload map[string]any) (map[string]any, error) {
	secret, err := s.keyring.HMACSecret(ctx)
	if err != nil {
		return nil, err
	}
	defer wipe(secret)
	return s.SignWith(secret, payload)
}

// SignWith signs payload with an explicit secret.
// Params: secret bytes and payload.
// Returns: signed copy.
func (s *Signer) SignWith(secret []byte, payload map[string]any) (map[string]any, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	signed := make(map[string]any, len(payload)+3)
	for key, value := range payload {
		if key == FieldSignature {
			continue
		}
		signed[key] = value
	}
	signed[FieldTimestamp] = s.clock.Now().UnixMilli()
	signed[FieldNonce] = nonce

	signature, err := computeSignature(secret, signed)
	if err != nil {
		return nil, err
	}
	signed[FieldSignature] = signature
	return signed, nil
}

// NewNonce returns 128 random bits as hex.
func NewNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// computeSignature is hex HMAC-SHA256 over canonical payload without _signature.
func computeSignature(secret []byte, payload map[string]any) (string, error) {
	mac, err := signatureBytes(secret, payload)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac), nil
}

func signatureBytes(secret []byte, payload map[string]any) ([]byte, error) {
	body := make(map[string]any, len(payload))
	for key, value := range payload {
		if key == FieldSignature {
			continue
		}
		body[key] = value
	}
	canonical, err := Canonicalize(body)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return mac.Sum(nil), nil
}

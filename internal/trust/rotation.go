package trust

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const minSecretBytes = 32

// MessageKeyRotation is the inbound type accepted by Rotator.
const MessageKeyRotation = "key_rotation"

// MessageKeyRotationAck is the outbound acknowledgement type.
const MessageKeyRotationAck = "key_rotation_ack"

// RotationRequest is the verified key_rotation payload.
type RotationRequest struct {
	Type          string `json:"type"`
	RotationID    string `json:"rotation_id"`
	NewAPIKey     string `json:"new_api_key,omitempty"`
	NewHMACSecret string `json:"new_hmac_secret,omitempty"`
}

// Rotator adopts new credentials from a verified rotation message.
type Rotator struct {
	keyring *Keyring
	signer  *Signer
}

// NewRotator creates rotator.
func NewRotator(keyring *Keyring, signer *Signer) *Rotator {
	return &Rotator{keyring: keyring, signer: signer}
}

// Rotate stores the API key first and the HMAC secret last, then returns an
// acknowledgement signed with whichever secret is current after rotation.
// Params: ctx and message already verified with the current secret.
// Returns: signed ack or error (ErrTrustUnavailable for vault failures).
func (r *Rotator) Rotate(ctx context.Context, msg Verified) (map[string]any, error) {
	if !msg.Valid() {
		return nil, errors.New("rotation requires a verified message")
	}
	if msg.Type() != MessageKeyRotation {
		return nil, fmt.Errorf("unexpected message type %q for rotation", msg.Type())
	}
	var req RotationRequest
	if err := msg.Decode(&req); err != nil {
		return nil, fmt.Errorf("decode rotation: %w", err)
	}
	if req.NewAPIKey == "" && req.NewHMACSecret == "" {
		return nil, errors.New("rotation carries no new credentials")
	}

	var newSecret []byte
	if req.NewHMACSecret != "" {
		decoded, err := decodeSecret(req.NewHMACSecret)
		if err != nil {
			return nil, err
		}
		newSecret = decoded
		defer wipe(newSecret)
	}

	rotated := make([]string, 0, 2)
	if req.NewAPIKey != "" {
		if err := r.keyring.write(ctx, r.keyring.apiKeyName, []byte(req.NewAPIKey)); err != nil {
			return nil, fmt.Errorf("rotate api key: %w", err)
		}
		rotated = append(rotated, "api_key")
	}
	if newSecret != nil {
		if err := r.keyring.write(ctx, r.keyring.hmacName, newSecret); err != nil {
			return nil, fmt.Errorf("rotate hmac secret (api key already rotated=%t): %w", len(rotated) > 0, err)
		}
		rotated = append(rotated, "hmac_secret")
	}

	ack := map[string]any{
		"type":        MessageKeyRotationAck,
		"rotation_id": req.RotationID,
		"rotated":     rotated,
		"status":      "ok",
	}
	if newSecret != nil {
		return r.signer.SignWith(newSecret, ack)
	}
	return r.signer.Sign(ctx, ack)
}

// decodeSecret accepts hex or base64 encodings of at least 32 bytes.
func decodeSecret(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if decoded, err := hex.DecodeString(encoded); err == nil && len(decoded) >= minSecretBytes {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(encoded); err == nil && len(decoded) >= minSecretBytes {
		return decoded, nil
	}
	return nil, fmt.Errorf("new hmac secret must encode at least %d bytes as hex or base64", minSecretBytes)
}

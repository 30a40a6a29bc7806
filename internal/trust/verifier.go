package trust

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"opsisagent/internal/clock"
	"opsisagent/internal/config"
)

// Verified is an inbound message that passed signature, age, and replay checks.
// Only Verifier constructs it; consumers of controller commands require it.
type Verified struct {
	payload  map[string]any
	msgType  string
	nonce    string
	issuedAt time.Time
	valid    bool
}

// Valid reports whether value came from Verifier (zero value is invalid).
func (v Verified) Valid() bool { return v.valid }

// Type returns message type field.
func (v Verified) Type() string { return v.msgType }

// Nonce returns message nonce.
func (v Verified) Nonce() string { return v.nonce }

// IssuedAt returns signed timestamp.
func (v Verified) IssuedAt() time.Time { return v.issuedAt }

// Field returns one payload field.
func (v Verified) Field(name string) (any, bool) {
	value, ok := v.payload[name]
	return value, ok
}

// JSON encodes payload without reserved signing fields.
func (v Verified) JSON() ([]byte, error) {
	if !v.valid {
		return nil, errors.New("unverified message")
	}
	return json.Marshal(v.payload)
}

// Decode unmarshals payload into typed message struct.
// Params: destination pointer.
// Returns: encode/decode error.
func (v Verified) Decode(dst any) error {
	body, err := v.JSON()
	if err != nil {
		return err
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	return decoder.Decode(dst)
}

// Verifier authenticates inbound controller messages.
type Verifier struct {
	keyring    *Keyring
	nonces     *NonceCache
	clock      clock.Clock
	maxAge     time.Duration
	futureSkew time.Duration
}

// NewVerifier creates verifier sharing nonce cache with the host sweep.
// Params: keyring, nonce cache, clock, and trust config windows.
// Returns: verifier.
func NewVerifier(keyring *Keyring, nonces *NonceCache, clk clock.Clock, cfg config.TrustConfig) *Verifier {
	if clk == nil {
		clk = clock.RealClock{}
	}
	maxAge := cfg.MaxAge()
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	skew := cfg.FutureSkew()
	if skew <= 0 {
		skew = time.Minute
	}
	return &Verifier{keyring: keyring, nonces: nonces, clock: clk, maxAge: maxAge, futureSkew: skew}
}

// VerifyJSON decodes raw message then verifies it.
// Params: ctx and JSON object bytes.
// Returns: Verified or decode error / *Rejection.
func (v *Verifier) VerifyJSON(ctx context.Context, raw []byte) (Verified, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var msg map[string]any
	if err := decoder.Decode(&msg); err != nil {
		return Verified{}, fmt.Errorf("decode signed message: %w", err)
	}
	return v.Verify(ctx, msg)
}

// Verify checks presence, freshness, replay, and HMAC of msg.
// The nonce is recorded only after the signature matches.
// Params: ctx bounding vault read and decoded message.
// Returns: Verified or *Rejection (secret_unavailable wraps ErrTrustUnavailable).
func (v *Verifier) Verify(ctx context.Context, msg map[string]any) (Verified, error) {
	signature, ok := msg[FieldSignature].(string)
	if !ok || signature == "" {
		return Verified{}, reject(ReasonMissingSignature)
	}
	rawTimestamp, ok := msg[FieldTimestamp]
	if !ok || rawTimestamp == nil {
		return Verified{}, reject(ReasonMissingTimestamp)
	}
	nonce, ok := msg[FieldNonce].(string)
	if !ok || strings.TrimSpace(nonce) == "" {
		return Verified{}, reject(ReasonMissingNonce)
	}
	issuedMS, err := parseTimestamp(rawTimestamp)
	if err != nil {
		return Verified{}, reject(ReasonMalformedTimestamp)
	}

	secret, err := v.keyring.HMACSecret(ctx)
	if err != nil {
		return Verified{}, &Rejection{Reason: ReasonSecretUnavailable, cause: err}
	}
	defer wipe(secret)

	now := v.clock.Now()
	issuedAt := time.UnixMilli(issuedMS).UTC()
	if now.Sub(issuedAt) > v.maxAge {
		return Verified{}, reject(ReasonExpired)
	}
	if issuedAt.Sub(now) > v.futureSkew {
		return Verified{}, reject(ReasonFutureTimestamp)
	}
	if v.nonces.Seen(nonce, now) {
		return Verified{}, reject(ReasonReplayedNonce)
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return Verified{}, reject(ReasonInvalidSignatureFormat)
	}
	if len(provided) != sha256.Size {
		return Verified{}, reject(ReasonSignatureLengthMismatch)
	}
	expected, err := signatureBytes(secret, msg)
	if err != nil {
		return Verified{}, reject(ReasonInvalidSignatureFormat)
	}
	if !hmac.Equal(provided, expected) {
		return Verified{}, reject(ReasonSignatureMismatch)
	}
	if !v.nonces.Record(nonce, now) {
		return Verified{}, reject(ReasonReplayedNonce)
	}

	payload := make(map[string]any, len(msg))
	for key, value := range msg {
		switch key {
		case FieldSignature, FieldTimestamp, FieldNonce:
			continue
		}
		payload[key] = value
	}
	msgType, _ := payload["type"].(string)
	return Verified{
		payload:  payload,
		msgType:  msgType,
		nonce:    nonce,
		issuedAt: issuedAt,
		valid:    true,
	}, nil
}

// parseTimestamp accepts integral unix milliseconds in any JSON numeric shape.
func parseTimestamp(value any) (int64, error) {
	switch typed := value.(type) {
	case json.Number:
		if ms, err := typed.Int64(); err == nil {
			return checkTimestamp(ms)
		}
		f, err := typed.Float64()
		if err != nil {
			return 0, err
		}
		return floatTimestamp(f)
	case float64:
		return floatTimestamp(typed)
	case int64:
		return checkTimestamp(typed)
	case int:
		return checkTimestamp(int64(typed))
	case string:
		ms, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0, err
		}
		return checkTimestamp(ms)
	default:
		return 0, fmt.Errorf("unsupported timestamp type %T", value)
	}
}

func floatTimestamp(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || f > math.MaxInt64/2 {
		return 0, errors.New("timestamp is not an integral millisecond value")
	}
	return checkTimestamp(int64(f))
}

func checkTimestamp(ms int64) (int64, error) {
	if ms <= 0 {
		return 0, errors.New("timestamp must be positive")
	}
	return ms, nil
}

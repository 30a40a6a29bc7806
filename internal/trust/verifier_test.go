package trust

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"opsisagent/internal/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedExecute(t *testing.T, f *fixture) map[string]any {
	t.Helper()
	msg, err := f.signer.Sign(context.Background(), map[string]any{
		"type":        "execute_playbook",
		"playbook_id": "restart-spooler",
		"params":      map[string]any{"service": "Spooler"},
	})
	require.NoError(t, err)
	return msg
}

func roundTrip(t *testing.T, msg map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func TestSignThenVerifySucceeds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	msg := signedExecute(t, f)
	require.Contains(t, msg, FieldSignature)
	require.Contains(t, msg, FieldNonce)
	require.Contains(t, msg, FieldTimestamp)

	verified, err := f.verifier.VerifyJSON(context.Background(), roundTrip(t, msg))
	require.NoError(t, err)
	assert.True(t, verified.Valid())
	assert.Equal(t, "execute_playbook", verified.Type())
	assert.Equal(t, msg[FieldNonce], verified.Nonce())
	_, hasSignature := verified.Field(FieldSignature)
	assert.False(t, hasSignature)

	var decoded struct {
		PlaybookID string `json:"playbook_id"`
	}
	require.NoError(t, verified.Decode(&decoded))
	assert.Equal(t, "restart-spooler", decoded.PlaybookID)
}

func TestVerifyRejectsWithDistinctReasons(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(t *testing.T, f *fixture, msg map[string]any) map[string]any
		want   RejectReason
	}{
		{
			name: "different secret",
			mutate: func(t *testing.T, f *fixture, msg map[string]any) map[string]any {
				other, err := f.signer.SignWith(bytes.Repeat([]byte{0x01}, 32), map[string]any{"type": "execute_playbook"})
				require.NoError(t, err)
				return other
			},
			want: ReasonSignatureMismatch,
		},
		{
			name: "tampered field",
			mutate: func(_ *testing.T, _ *fixture, msg map[string]any) map[string]any {
				msg["playbook_id"] = "format-disk"
				return msg
			},
			want: ReasonSignatureMismatch,
		},
		{
			name: "expired timestamp",
			mutate: func(_ *testing.T, f *fixture, msg map[string]any) map[string]any {
				f.clock.Advance(5*time.Minute + time.Second)
				return msg
			},
			want: ReasonExpired,
		},
		{
			name: "future timestamp",
			mutate: func(_ *testing.T, f *fixture, msg map[string]any) map[string]any {
				f.clock.Advance(-2 * time.Minute)
				return msg
			},
			want: ReasonFutureTimestamp,
		},
		{
			name: "missing signature",
			mutate: func(_ *testing.T, _ *fixture, msg map[string]any) map[string]any {
				delete(msg, FieldSignature)
				return msg
			},
			want: ReasonMissingSignature,
		},
		{
			name: "missing timestamp",
			mutate: func(_ *testing.T, _ *fixture, msg map[string]any) map[string]any {
				delete(msg, FieldTimestamp)
				return msg
			},
			want: ReasonMissingTimestamp,
		},
		{
			name: "missing nonce",
			mutate: func(_ *testing.T, _ *fixture, msg map[string]any) map[string]any {
				msg[FieldNonce] = ""
				return msg
			},
			want: ReasonMissingNonce,
		},
		{
			name: "malformed timestamp",
			mutate: func(_ *testing.T, _ *fixture, msg map[string]any) map[string]any {
				msg[FieldTimestamp] = "yesterday"
				return msg
			},
			want: ReasonMalformedTimestamp,
		},
		{
			name: "non hex signature",
			mutate: func(_ *testing.T, _ *fixture, msg map[string]any) map[string]any {
				msg[FieldSignature] = "zz" + msg[FieldSignature].(string)[2:]
				return msg
			},
			want: ReasonInvalidSignatureFormat,
		},
		{
			name: "truncated signature",
			mutate: func(_ *testing.T, _ *fixture, msg map[string]any) map[string]any {
				msg[FieldSignature] = msg[FieldSignature].(string)[:32]
				return msg
			},
			want: ReasonSignatureLengthMismatch,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			msg := tt.mutate(t, f, signedExecute(t, f))
			_, err := f.verifier.VerifyJSON(context.Background(), roundTrip(t, msg))
			requireReason(t, err, tt.want)
		})
	}
}

func TestVerifyRejectsReplayedNonce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	raw := roundTrip(t, signedExecute(t, f))

	_, err := f.verifier.VerifyJSON(context.Background(), raw)
	require.NoError(t, err)
	_, err = f.verifier.VerifyJSON(context.Background(), raw)
	requireReason(t, err, ReasonReplayedNonce)
}

func TestFailedSignatureDoesNotBurnNonce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	msg := signedExecute(t, f)
	goodSignature := msg[FieldSignature]

	msg[FieldSignature] = "00" + goodSignature.(string)[2:]
	_, err := f.verifier.Verify(context.Background(), msg)
	requireReason(t, err, ReasonSignatureMismatch)

	msg[FieldSignature] = goodSignature
	_, err = f.verifier.Verify(context.Background(), msg)
	require.NoError(t, err)
}

func TestVerifyFailsLoudlyWhenVaultUnavailable(t *testing.T) {
	t.Parallel()

	signing := newFixture(t)
	msg := signedExecute(t, signing)

	f := newFixtureWith(t, nil, vault.Unavailable(errors.New("backend missing")))
	_, err := f.verifier.Verify(context.Background(), msg)
	requireReason(t, err, ReasonSecretUnavailable)
	assert.ErrorIs(t, err, ErrTrustUnavailable)

	_, err = f.signer.Sign(context.Background(), map[string]any{"type": "telemetry"})
	assert.ErrorIs(t, err, ErrTrustUnavailable)
}

func TestVerifyTreatsUnprovisionedSecretAsUnavailable(t *testing.T) {
	t.Parallel()

	signing := newFixture(t)
	msg := signedExecute(t, signing)

	f := newFixtureWith(t, newMapVault(), vault.Available())
	_, err := f.verifier.Verify(context.Background(), msg)
	requireReason(t, err, ReasonSecretUnavailable)
	assert.ErrorIs(t, err, ErrTrustUnavailable)
}

func TestVaultReadIsBoundedByTimeout(t *testing.T) {
	t.Parallel()

	slow := newMapVault()
	slow.values["hmac_secret"] = append([]byte(nil), testSecret...)
	slow.getDelay = 2 * time.Second
	f := newFixtureWith(t, slow, vault.Available())

	started := time.Now()
	_, err := f.signer.Sign(context.Background(), map[string]any{"type": "telemetry"})
	assert.ErrorIs(t, err, ErrTrustUnavailable)
	assert.Less(t, time.Since(started), time.Second)
}

func TestZeroVerifiedIsInvalid(t *testing.T) {
	t.Parallel()

	var v Verified
	assert.False(t, v.Valid())
	_, err := v.JSON()
	assert.Error(t, err)
}

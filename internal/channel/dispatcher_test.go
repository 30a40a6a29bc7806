package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsisagent/internal/trust"
)

func TestDispatcherRoutesVerifiedMessages(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var got DiagnosticRequest
	f.dispatcher.Handle(TypeDiagnosticRequest, func(_ context.Context, msg trust.Verified) error {
		require.True(t, msg.Valid())
		return msg.Decode(&got)
	})

	raw := f.signed(t, map[string]any{"type": TypeDiagnosticRequest, "request_id": "r-1", "command": "ipconfig /all"})
	require.NoError(t, f.dispatcher.HandleInbound(context.Background(), raw))
	assert.Equal(t, "ipconfig /all", got.Command)
	assert.Equal(t, "r-1", got.RequestID)

	err := f.dispatcher.HandleInbound(context.Background(), raw)
	reason, ok := trust.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, trust.ReasonReplayedNonce, reason)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RejectionsTotal.WithLabelValues(string(trust.ReasonReplayedNonce))))
}

func TestDispatcherRejectsTamperedMessageBeforeHandler(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	called := false
	f.dispatcher.Handle(TypeUpdateConfig, func(context.Context, trust.Verified) error {
		called = true
		return nil
	})

	msg, err := f.signer.Sign(context.Background(), map[string]any{"type": TypeUpdateConfig, "escalation_threshold": 60})
	require.NoError(t, err)
	msg["escalation_threshold"] = 10
	tampered, err := json.Marshal(msg)
	require.NoError(t, err)
	err = f.dispatcher.HandleInbound(context.Background(), tampered)
	reason, ok := trust.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, trust.ReasonSignatureMismatch, reason)
	assert.False(t, called)
	assert.True(t, Permanent(err))
}

func TestDispatcherEnforcesSchemas(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.dispatcher.Handle(TypeEscalationResponse, func(context.Context, trust.Verified) error {
		t.Fatalf("handler must not run for schema violations")
		return nil
	})

	cases := []map[string]any{
		{"type": TypeEscalationResponse, "ticket_id": "t-1", "action": "reboot"},
		{"type": TypeExecutePlaybook, "request_id": "r-2"},
		{"type": TypeKeyRotation, "rotation_id": "rot-1"},
		{"type": TypeUpdateConfig, "escalation_threshold": 140},
		{"type": TypeUpdateConfig},
	}
	for _, payload := range cases {
		err := f.dispatcher.HandleInbound(context.Background(), f.signed(t, payload))
		assert.ErrorIs(t, err, ErrSchema, "payload %v", payload)
	}

	err := f.dispatcher.HandleInbound(context.Background(), f.signed(t, map[string]any{"type": "self_destruct"}))
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.Equal(t, 6.0, testutil.ToFloat64(f.metrics.RejectionsTotal.WithLabelValues("schema")))
}

func TestDispatcherAcceptsInlinePlaybook(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var req ExecutePlaybook
	f.dispatcher.Handle(TypeExecutePlaybook, func(_ context.Context, msg trust.Verified) error {
		return msg.Decode(&req)
	})
	raw := f.signed(t, map[string]any{
		"type":       TypeExecutePlaybook,
		"request_id": "r-3",
		"playbook": map[string]any{
			"id":    "rb-dns",
			"steps": []any{map[string]any{"type": "flush_dns"}},
		},
	})
	require.NoError(t, f.dispatcher.HandleInbound(context.Background(), raw))
	require.NotNil(t, req.Playbook)
	assert.Equal(t, "rb-dns", req.Playbook.ID)
	assert.Equal(t, "flush_dns", req.Playbook.Steps[0].Type)
}

func TestPermanentTreatsTrustOutageAsTransient(t *testing.T) {
	t.Parallel()

	assert.False(t, Permanent(nil))
	assert.False(t, Permanent(&trust.Rejection{Reason: trust.ReasonSecretUnavailable}))
	assert.False(t, Permanent(fmt.Errorf("verify: %w", &trust.Rejection{Reason: trust.ReasonSecretUnavailable})))
	assert.True(t, Permanent(&trust.Rejection{Reason: trust.ReasonSignatureMismatch}))
	assert.True(t, Permanent(ErrSchema))
}

func TestHandlerTrustOutageIsPermanentAfterVerification(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.dispatcher.Handle(TypeDiagnosticRequest, func(context.Context, trust.Verified) error {
		return fmt.Errorf("sign reply: %w", trust.ErrTrustUnavailable)
	})

	raw := f.signed(t, map[string]any{"type": TypeDiagnosticRequest, "request_id": "r-9", "command": "ipconfig /all"})
	err := f.dispatcher.HandleInbound(context.Background(), raw)
	require.ErrorIs(t, err, trust.ErrTrustUnavailable)
	assert.True(t, Permanent(err), "nonce is spent, redelivery would only replay")

	err = f.dispatcher.HandleInbound(context.Background(), raw)
	reason, ok := trust.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, trust.ReasonReplayedNonce, reason)
}

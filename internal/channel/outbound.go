package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"opsisagent/internal/config"
	"opsisagent/internal/metrics"
	"opsisagent/internal/trust"
)

// ErrRateLimited is returned when the escalation budget is exhausted.
var ErrRateLimited = errors.New("escalation rate limit exceeded")

// Publisher delivers one encoded message with a deduplication ID.
type Publisher interface {
	Publish(ctx context.Context, msgID string, body []byte) error
}

// Outbound signs and publishes agent messages.
// Params: publisher, signer, and escalation limiter settings.
// Returns: sender for escalation, diagnostic, telemetry and ack messages.
type Outbound struct {
	publisher Publisher
	signer    *trust.Signer
	agentID   string
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewOutbound creates outbound sender.
func NewOutbound(publisher Publisher, signer *trust.Signer, agentID string, cfg config.ChannelConfig, m *metrics.Metrics, logger *slog.Logger) *Outbound {
	if logger == nil {
		logger = slog.Default()
	}
	perMinute := cfg.EscalationsPerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	burst := cfg.EscalationBurst
	if burst <= 0 {
		burst = 1
	}
	return &Outbound{
		publisher: publisher,
		signer:    signer,
		agentID:   agentID,
		limiter:   rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
		metrics:   m,
		logger:    logger,
	}
}

// Escalate sends a signed escalation when the limiter allows it.
// Params: ctx and escalation payload (type is set here).
// Returns: ErrRateLimited, trust error, or publish error.
func (o *Outbound) Escalate(ctx context.Context, payload map[string]any) error {
	if !o.limiter.Allow() {
		o.logger.Warn("escalation dropped by rate limiter", "signature_id", payload["signature_id"])
		return ErrRateLimited
	}
	return o.Send(ctx, TypeEscalation, payload)
}

// Send signs payload as msgType and publishes it.
// Params: ctx, outbound type and payload fields.
// Returns: signing or publish error.
func (o *Outbound) Send(ctx context.Context, msgType string, payload map[string]any) error {
	body := make(map[string]any, len(payload)+2)
	for key, value := range payload {
		body[key] = value
	}
	body["type"] = msgType
	body["agent_id"] = o.agentID

	signed, err := o.signer.Sign(ctx, body)
	if err != nil {
		return fmt.Errorf("sign %s: %w", msgType, err)
	}
	return o.SendSigned(ctx, signed)
}

// SendSigned publishes a message that already carries signing fields.
// Key-rotation acks use it because they are signed with the new secret.
func (o *Outbound) SendSigned(ctx context.Context, signed map[string]any) error {
	nonce, _ := signed[trust.FieldNonce].(string)
	if nonce == "" {
		return errors.New("outbound message is not signed")
	}
	raw, err := json.Marshal(signed)
	if err != nil {
		return fmt.Errorf("encode outbound: %w", err)
	}
	if err := o.publisher.Publish(ctx, nonce, raw); err != nil {
		o.metrics.IncPublishError()
		return fmt.Errorf("publish %v: %w", signed["type"], err)
	}
	return nil
}

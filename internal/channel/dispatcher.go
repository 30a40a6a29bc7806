package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"opsisagent/internal/metrics"
	"opsisagent/internal/trust"
)

// HandlerFunc consumes one verified, schema-checked inbound message.
type HandlerFunc func(ctx context.Context, msg trust.Verified) error

// Dispatcher verifies inbound controller messages and routes them by type.
// Params: verifier, compiled schemas, metrics and logger.
// Returns: router whose handlers only ever see trust.Verified values.
type Dispatcher struct {
	verifier *trust.Verifier
	schemas  *Schemas
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewDispatcher creates dispatcher with empty routing table.
func NewDispatcher(verifier *trust.Verifier, schemas *Schemas, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		verifier: verifier,
		schemas:  schemas,
		metrics:  m,
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers handler for one message type.
func (d *Dispatcher) Handle(msgType string, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[msgType] = handler
}

// HandleInbound verifies raw JSON, checks its schema and runs the handler.
// Params: ctx and raw message body.
// Returns: *trust.Rejection, decode/schema error, or handler error.
func (d *Dispatcher) HandleInbound(ctx context.Context, raw []byte) error {
	verified, err := d.verifier.VerifyJSON(ctx, raw)
	if err != nil {
		reason, ok := trust.ReasonOf(err)
		if !ok {
			reason = "malformed"
		}
		d.metrics.IncRejection(string(reason))
		d.logger.Warn("inbound message rejected", "reason", string(reason))
		return err
	}

	if err := d.schemas.Validate(verified); err != nil {
		d.metrics.IncRejection("schema")
		d.logger.Warn("inbound message failed schema", "type", verified.Type(), "error", err.Error())
		return err
	}

	d.mu.RLock()
	handler, ok := d.handlers[verified.Type()]
	d.mu.RUnlock()
	if !ok {
		d.metrics.IncRejection("unhandled")
		return fmt.Errorf("%w %q", ErrUnknownType, verified.Type())
	}

	d.logger.Info("inbound message accepted", "type", verified.Type(), "issued_at", verified.IssuedAt())
	if err := handler(ctx, verified); err != nil {
		return fmt.Errorf("handle %s: %w", verified.Type(), err)
	}
	return nil
}

// Permanent reports whether redelivering the message cannot help.
// Only a verification rejected for an unreadable secret is transient: its
// nonce was never consumed. Handler failures happen after the nonce is
// spent, so a redelivery would be rejected as a replay anyway.
func Permanent(err error) bool {
	if err == nil {
		return false
	}
	reason, ok := trust.ReasonOf(err)
	return !ok || reason != trust.ReasonSecretUnavailable
}

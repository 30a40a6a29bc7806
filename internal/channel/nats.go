package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"opsisagent/internal/config"
	"opsisagent/internal/domain"
)

const subjectRoot = "opsis.agent"

// InboundHandler consumes raw controller messages.
type InboundHandler interface {
	HandleInbound(ctx context.Context, raw []byte) error
}

// SnapshotSink receives metrics snapshots published on the metrics subject.
type SnapshotSink interface {
	PushSnapshot(ctx context.Context, snapshot domain.Metrics) error
}

// Subjects returns inbound, outbound and metrics subjects for one agent.
func Subjects(agentID string) (inbound, outbound, metrics string) {
	base := subjectRoot + "." + agentID
	return base + ".inbound", base + ".outbound", base + ".metrics"
}

// NATSChannel is the JetStream transport for controller traffic.
// Params: NATS connection, JetStream context, and agent subjects.
// Returns: publisher plus durable inbound/metrics consumers.
type NATSChannel struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	cfg      config.ChannelConfig
	agentID  string
	inbound  string
	outbound string
	metrics  string
	logger   *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// DialNATS connects to NATS and makes sure the agent stream exists.
// Params: channel config, agent ID, and logger.
// Returns: channel or connection/stream error.
func DialNATS(cfg config.ChannelConfig, agentID string, logger *slog.Logger) (*NATSChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("opsis-agent-"+agentID))
	if err != nil {
		return nil, fmt.Errorf("connect nats channel: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for channel: %w", err)
	}
	if err := ensureStream(js, cfg.Stream); err != nil {
		nc.Close()
		return nil, err
	}

	inbound, outbound, metrics := Subjects(agentID)
	return &NATSChannel{
		nc:       nc,
		js:       js,
		cfg:      cfg,
		agentID:  agentID,
		inbound:  inbound,
		outbound: outbound,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

func ensureStream(js nats.JetStreamContext, stream string) error {
	if _, err := js.StreamInfo(stream); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %q: %w", stream, err)
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{subjectRoot + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("create stream %q: %w", stream, err)
	}
	return nil
}

// Publish sends body on the outbound subject, deduplicated by msgID.
func (c *NATSChannel) Publish(ctx context.Context, msgID string, body []byte) error {
	msg := nats.NewMsg(c.outbound)
	msg.Data = body
	if _, err := c.js.PublishMsg(msg, nats.MsgId(msgID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", c.outbound, err)
	}
	return nil
}

// SubscribeInbound starts the durable inbound consumer.
// Permanent handler failures are acked; transient ones are redelivered.
// Params: base ctx for handlers and inbound handler.
// Returns: subscribe error.
func (c *NATSChannel) SubscribeInbound(ctx context.Context, handler InboundHandler) error {
	return c.subscribe(c.inbound, "inbound", func(message *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, c.ackWait())
		defer cancel()
		if err := handler.HandleInbound(msgCtx, message.Data); err != nil {
			if Permanent(err) {
				c.logger.Warn("inbound message dropped", "subject", message.Subject, "error", err.Error())
				c.ackMessage(message, "rejected")
				return
			}
			c.logger.Error("inbound message deferred", "subject", message.Subject, "error", err.Error())
			c.nackMessage(message)
			return
		}
		c.ackMessage(message, "processed")
	})
}

// SubscribeMetrics starts the durable metrics snapshot consumer.
func (c *NATSChannel) SubscribeMetrics(ctx context.Context, sink SnapshotSink) error {
	return c.subscribe(c.metrics, "metrics", func(message *nats.Msg) {
		snapshot, err := domain.DecodeMetrics(message.Data)
		if err != nil {
			c.logger.Warn("metrics snapshot decode failed", "subject", message.Subject, "error", err.Error())
			c.ackMessage(message, "decode")
			return
		}
		msgCtx, cancel := context.WithTimeout(ctx, c.ackWait())
		defer cancel()
		if err := sink.PushSnapshot(msgCtx, snapshot); err != nil {
			c.logger.Error("metrics snapshot push failed", "subject", message.Subject, "error", err.Error())
			c.nackMessage(message)
			return
		}
		c.ackMessage(message, "processed")
	})
}

func (c *NATSChannel) subscribe(subject, kind string, handler nats.MsgHandler) error {
	durable := fmt.Sprintf("opsis-agent-%s-%s", strings.ReplaceAll(c.agentID, ".", "-"), kind)
	subOpts := []nats.SubOpt{
		nats.BindStream(c.cfg.Stream),
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(c.ackWait()),
		nats.MaxDeliver(c.cfg.MaxDeliver),
		nats.MaxAckPending(c.cfg.MaxAckPending),
		nats.DeliverNew(),
	}
	sub, err := c.js.Subscribe(subject, handler, subOpts...)
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", subject, err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	c.logger.Info("channel consumer started", "subject", subject, "durable", durable)
	return nil
}

func (c *NATSChannel) ackWait() time.Duration {
	return time.Duration(c.cfg.AckWaitSec) * time.Second
}

func (c *NATSChannel) ackMessage(message *nats.Msg, reason string) {
	if err := message.Ack(); err != nil {
		c.logger.Warn("channel ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

func (c *NATSChannel) nackMessage(message *nats.Msg) {
	delay := time.Duration(c.cfg.NackDelayMS) * time.Millisecond
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		c.logger.Warn("channel nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close drains consumers and closes the connection.
func (c *NATSChannel) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.nc.Close()
	return firstErr
}

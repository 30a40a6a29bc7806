package channel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsisagent/internal/config"
	"opsisagent/internal/domain"
	"opsisagent/internal/logging"
	"opsisagent/internal/testutil"
	"opsisagent/internal/trust"
)

type snapshotSink chan domain.Metrics

func (s snapshotSink) PushSnapshot(_ context.Context, snapshot domain.Metrics) error {
	s <- snapshot
	return nil
}

func TestNATSChannelRoundTrip(t *testing.T) {
	url, stop := testutil.StartLocalNATSServer(t)
	defer stop()

	f := newFixture(t)
	cfg := config.ChannelConfig{
		Enabled:       true,
		URL:           []string{url},
		Stream:        "OPSIS_AGENT_TEST",
		AckWaitSec:    5,
		NackDelayMS:   100,
		MaxDeliver:    3,
		MaxAckPending: 16,
	}
	ch, err := DialNATS(cfg, "host-1", logging.Discard())
	require.NoError(t, err)
	defer ch.Close()

	received := make(chan string, 1)
	f.dispatcher.Handle(TypeDiagnosticRequest, func(_ context.Context, msg trust.Verified) error {
		var req DiagnosticRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		received <- req.Command
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ch.SubscribeInbound(ctx, f.dispatcher))

	snapshots := make(snapshotSink, 1)
	require.NoError(t, ch.SubscribeMetrics(ctx, snapshots))

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()
	js, err := nc.JetStream()
	require.NoError(t, err)

	inbound, outbound, metricsSubject := Subjects("host-1")
	_, err = js.Publish(inbound, f.signed(t, map[string]any{"type": TypeDiagnosticRequest, "request_id": "r-1", "command": "hostname"}))
	require.NoError(t, err)

	select {
	case command := <-received:
		assert.Equal(t, "hostname", command)
	case <-time.After(5 * time.Second):
		t.Fatal("inbound message not delivered")
	}

	body, err := json.Marshal(domain.Metrics{Hostname: "host-1", CPU: domain.CPUUsage{Percent: 12}})
	require.NoError(t, err)
	_, err = js.Publish(metricsSubject, body)
	require.NoError(t, err)
	select {
	case snapshot := <-snapshots:
		assert.Equal(t, "host-1", snapshot.Hostname)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics snapshot not delivered")
	}

	sub, err := js.SubscribeSync(outbound, nats.DeliverNew())
	require.NoError(t, err)
	out := NewOutbound(ch, f.signer, "host-1", cfg, nil, logging.Discard())
	require.NoError(t, out.Send(ctx, TypeTelemetry, map[string]any{"health": 100}))
	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Header.Get(nats.MsgIdHdr))
}

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerpay/models"
	"triggerpay/payout"
)

func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func subscribe(t *testing.T, url, subject string) chan *nats.Msg {
	t.Helper()
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	ch := make(chan *nats.Msg, 4)
	_, err = nc.ChanSubscribe(subject, ch)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	return ch
}

func receive(t *testing.T, ch chan *nats.Msg, into any) {
	t.Helper()
	select {
	case msg := <-ch:
		require.NoError(t, json.Unmarshal(msg.Data, into))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func testRequest() payout.Request {
	trig := &models.Trigger{
		ID: "trig_00000001",
		Payout: models.Payout{
			Amount:  "500000000000000000",
			Token:   "ETH",
			Address: "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb5",
			Chain:   models.Base,
		},
	}
	return payout.NewBuilder(0).Build(trig)
}

func TestDispatcher_RequestSignature(t *testing.T) {
	url := startTestNATS(t)
	ch := subscribe(t, url, DefaultSignSubject)

	pub, err := NewNATSPublisher(url)
	require.NoError(t, err)
	d := NewDispatcher(pub, "", "")
	defer d.Close()

	req := testRequest()
	sent, err := d.RequestSignature(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, pub.conn.Flush())

	var got SignRequest
	receive(t, ch, &got)
	assert.Equal(t, sent, got)
	assert.Equal(t, "base-1", got.Path)
	assert.Equal(t, req.PayloadHex(), got.Payload)
	assert.Equal(t, "trig_00000001", got.TriggerID)
	assert.Equal(t, uint32(0), got.KeyVersion)
	assert.NotEmpty(t, got.RequestID)
}

func TestDispatcher_Refund(t *testing.T) {
	url := startTestNATS(t)
	ch := subscribe(t, url, "ledger.refunds")

	pub, err := NewNATSPublisher(url)
	require.NoError(t, err)
	d := NewDispatcher(pub, "", "ledger.refunds")
	defer d.Close()

	refund := &models.RefundInstruction{TriggerID: "trig_00000002", Recipient: "alice.near", Amount: big.NewInt(800)}
	require.NoError(t, d.Refund(context.Background(), refund))
	require.NoError(t, pub.conn.Flush())

	var got RefundTransfer
	receive(t, ch, &got)
	assert.Equal(t, "trig_00000002", got.TriggerID)
	assert.Equal(t, "alice.near", got.Recipient)
	assert.Equal(t, "800", got.Amount)
}

func TestNATSPublisher_PublishAfterClose(t *testing.T) {
	url := startTestNATS(t)
	pub, err := NewNATSPublisher(url)
	require.NoError(t, err)
	require.NoError(t, pub.Close())

	d := NewDispatcher(pub, "", "")
	_, err = d.RequestSignature(context.Background(), testRequest())
	assert.Error(t, err)
}

func TestNATSPublisher_CanceledContext(t *testing.T) {
	url := startTestNATS(t)
	pub, err := NewNATSPublisher(url)
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pub.Publish(ctx, DefaultSignSubject, SignRequest{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNoopPublisher(t *testing.T) {
	var _ Publisher = (*NoopPublisher)(nil)
	var _ Publisher = (*NATSPublisher)(nil)

	d := NewDispatcher(&NoopPublisher{}, "", "")
	_, err := d.RequestSignature(context.Background(), testRequest())
	assert.NoError(t, err)
	assert.NoError(t, d.Close())
}

package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func subscribe(t *testing.T, url, subject string) *nats.Subscription {
	t.Helper()
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	sub, err := nc.SubscribeSync(subject)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	return sub
}

func TestNATSPublisher_Subjects(t *testing.T) {
	server := startTestNATSServer(t)
	sub := subscribe(t, server.ClientURL(), "docsearch.documents.>")

	p, err := Connect(server.ClientURL(), "", nil)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, Event{
		Type:             TypeIngested,
		DocumentID:       "doc-1",
		DepartmentName:   "Finance",
		FileName:         "budget.pdf",
		EmbeddingsStored: true,
	}))
	require.NoError(t, p.Publish(ctx, Event{Type: TypeDeleted, DocumentID: "doc-1"}))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "docsearch.documents.ingested", msg.Subject)
	assert.Equal(t, "application/json", msg.Header.Get("Content-Type"))

	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, TypeIngested, got.Type)
	assert.Equal(t, "doc-1", got.DocumentID)
	assert.Equal(t, "Finance", got.DepartmentName)
	assert.True(t, got.EmbeddingsStored)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, got.ID, msg.Header.Get(nats.MsgIdHdr))
	assert.False(t, got.OccurredAt.IsZero())

	msg, err = sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "docsearch.documents.deleted", msg.Subject)
}

func TestNATSPublisher_CustomPrefix(t *testing.T) {
	server := startTestNATSServer(t)
	sub := subscribe(t, server.ClientURL(), "kmrl.docs.ingested")

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	p, err := NewNATSPublisher(nc, "kmrl.docs.", nil)
	require.NoError(t, err)
	assert.Equal(t, "kmrl.docs.ingested", p.Subject(TypeIngested))

	require.NoError(t, p.Publish(context.Background(), Event{Type: TypeIngested, DocumentID: "d"}))
	_, err = sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	// Borrowed connections stay open.
	require.NoError(t, p.Close())
	assert.True(t, nc.IsConnected())
}

func TestNATSPublisher_Rejects(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	_, err = NewNATSPublisher(nil, "", nil)
	assert.Error(t, err)
	_, err = NewNATSPublisher(nc, "bad prefix", nil)
	assert.Error(t, err)
	_, err = NewNATSPublisher(nc, "docs.*", nil)
	assert.Error(t, err)

	p, err := NewNATSPublisher(nc, "", nil)
	require.NoError(t, err)
	assert.Error(t, p.Publish(context.Background(), Event{Type: "renamed"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, Event{Type: TypeDeleted}), context.Canceled)
}

func TestNATSPublisher_ClosedConnection(t *testing.T) {
	server := startTestNATSServer(t)
	p, err := Connect(server.ClientURL(), "", nil)
	require.NoError(t, err)
	p.nc.Close()

	assert.Error(t, p.Publish(context.Background(), Event{Type: TypeIngested, DocumentID: "d"}))
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), Event{Type: TypeIngested}))
	assert.NoError(t, p.Close())
}

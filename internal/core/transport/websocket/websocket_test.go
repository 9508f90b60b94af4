package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/syncmesh/internal/core/observability/log"
	"github.com/zeusync/syncmesh/internal/core/transport"
	"github.com/zeusync/syncmesh/internal/core/transport/hub"
)

func TestHubOverWebSocket(t *testing.T) {
	server := hub.NewServer(log.Nop())
	cfg := DefaultConfig()
	cfg.PingInterval = 50 * time.Millisecond
	srv := httptest.NewServer(Handler(server, cfg, log.Nop()))
	defer srv.Close()
	defer server.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx := context.Background()

	newNode := func(id string) *hub.Client {
		c := hub.NewClient(Dialer(url, cfg), log.Nop())
		require.NoError(t, c.Initialize(ctx))
		_, err := c.CreateStream(ctx, transport.StreamConfig{
			SourceID: id + "/coord",
			NodeID:   id,
			Type:     transport.StreamCoordination,
		}, &transport.SessionInfo{SessionID: "lab"})
		require.NoError(t, err)
		return c
	}
	a := newNode("a")
	defer a.Dispose(ctx)
	b := newNode("b")
	defer b.Dispose(ctx)

	found, err := b.ResolveAvailable(ctx, transport.SessionPredicate("lab", "b"), time.Second, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "a", found[0].NodeID)

	require.NoError(t, b.SubscribeToSource(ctx, found[0].SourceID))
	require.NoError(t, a.SendMessage(ctx, []byte(`{"hello":"b"}`)))

	select {
	case p := <-b.Inbound():
		assert.Equal(t, `{"hello":"b"}`, string(p.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("payload not delivered over websocket")
	}
	assert.Equal(t, 2, server.Stats().Peers)
}

func TestDialFailure(t *testing.T) {
	dial := Dialer("ws://127.0.0.1:1/none", DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := dial(ctx)
	assert.Error(t, err)
}

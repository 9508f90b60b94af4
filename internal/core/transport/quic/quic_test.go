package quic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/syncmesh/internal/core/observability/log"
	"github.com/zeusync/syncmesh/internal/core/transport"
	"github.com/zeusync/syncmesh/internal/core/transport/hub"
)

func TestHubOverQUIC(t *testing.T) {
	tlsConfig, err := GenerateSelfSignedTLS()
	require.NoError(t, err)

	server := hub.NewServer(log.Nop())
	defer server.Close()
	ln, err := Listen("127.0.0.1:0", tlsConfig, DefaultConfig(), server, log.Nop())
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ln.Serve(ctx) }()

	dial := Dialer(ln.Addr().String(), InsecureClientTLS(), DefaultConfig())
	a := hub.NewClient(dial, log.Nop())
	require.NoError(t, a.Initialize(ctx))
	defer a.Dispose(context.Background())
	b := hub.NewClient(dial, log.Nop())
	require.NoError(t, b.Initialize(ctx))
	defer b.Dispose(context.Background())

	src, err := a.CreateStream(ctx, transport.StreamConfig{NodeID: "a", Name: "samples"}, &transport.SessionInfo{SessionID: "lab"})
	require.NoError(t, err)
	require.NoError(t, b.SubscribeToSource(ctx, src.Descriptor().SourceID))

	payload := make([]byte, 64<<10)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, src.Push(ctx, payload))

	select {
	case p := <-b.Inbound():
		assert.Equal(t, transport.PayloadData, p.Kind)
		assert.Equal(t, payload, p.Data)
	case <-time.After(3 * time.Second):
		t.Fatal("payload not delivered over quic")
	}
}

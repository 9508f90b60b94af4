package hub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/syncmesh/internal/core/observability/log"
	"github.com/zeusync/syncmesh/internal/core/transport"
)

type pipeHub struct {
	server *Server
	ctx    context.Context

	mu    sync.Mutex
	conns []FrameConn
}

func newPipeHub(t *testing.T) *pipeHub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &pipeHub{server: NewServer(log.Nop()), ctx: ctx}
	t.Cleanup(func() {
		cancel()
		_ = h.server.Close()
	})
	return h
}

func (h *pipeHub) dial(_ context.Context) (FrameConn, error) {
	client, server := Pipe()
	h.mu.Lock()
	h.conns = append(h.conns, client)
	h.mu.Unlock()
	go func() { _ = h.server.Serve(h.ctx, server) }()
	return client, nil
}

// sever closes every client connection, as a hub restart would.
func (h *pipeHub) sever() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		_ = c.Close()
	}
	h.conns = nil
}

func join(t *testing.T, h *pipeHub, nodeID, sessionID string) (*Client, transport.Stream) {
	t.Helper()
	ctx := context.Background()
	c := NewClient(h.dial, log.Nop(), WithRequestTimeout(time.Second))
	require.NoError(t, c.Initialize(ctx))
	t.Cleanup(func() { _ = c.Dispose(ctx) })
	s, err := c.CreateStream(ctx, transport.StreamConfig{
		SourceID: nodeID + "/coord",
		NodeID:   nodeID,
		Name:     nodeID,
		Type:     transport.StreamCoordination,
	}, &transport.SessionInfo{SessionID: sessionID})
	require.NoError(t, err)
	return c, s
}

func receive(t *testing.T, c *Client) transport.Payload {
	t.Helper()
	select {
	case p := <-c.Inbound():
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("payload not delivered")
	}
	return transport.Payload{}
}

func TestHubResolveExcludesOwnSources(t *testing.T) {
	h := newPipeHub(t)
	a, _ := join(t, h, "a", "s1")
	join(t, h, "b", "s1")
	join(t, h, "c", "s2")

	found, err := a.ResolveAvailable(context.Background(), transport.SessionPredicate("s1", "a"), time.Second, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "b", found[0].NodeID)

	all, err := a.ResolveAvailable(context.Background(), nil, time.Second, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	limited, err := a.ResolveAvailable(context.Background(), nil, time.Second, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestHubRelaysInOrder(t *testing.T) {
	h := newPipeHub(t)
	a, _ := join(t, h, "a", "s1")
	b, _ := join(t, h, "b", "s1")
	ctx := context.Background()

	require.NoError(t, b.SubscribeToSource(ctx, "a/coord"))
	for i := 0; i < 20; i++ {
		require.NoError(t, a.SendMessage(ctx, []byte(fmt.Sprintf("m%d", i))))
	}
	for i := 0; i < 20; i++ {
		p := receive(t, b)
		assert.Equal(t, "a/coord", p.SourceID)
		assert.Equal(t, transport.PayloadControl, p.Kind)
		assert.Equal(t, fmt.Sprintf("m%d", i), string(p.Data))
	}
}

func TestHubSubscribeUnknownSource(t *testing.T) {
	h := newPipeHub(t)
	a, _ := join(t, h, "a", "s1")
	err := a.SubscribeToSource(context.Background(), "ghost")
	assert.ErrorIs(t, err, transport.ErrUnknownSource)
}

func TestHubDuplicateAnnounceRejected(t *testing.T) {
	h := newPipeHub(t)
	join(t, h, "a", "s1")
	c := NewClient(h.dial, log.Nop())
	require.NoError(t, c.Initialize(context.Background()))
	defer c.Dispose(context.Background())

	_, err := c.CreateStream(context.Background(), transport.StreamConfig{SourceID: "a/coord"}, nil)
	assert.ErrorIs(t, err, ErrRemote)
}

func TestHubDataStream(t *testing.T) {
	h := newPipeHub(t)
	a, _ := join(t, h, "a", "s1")
	b, _ := join(t, h, "b", "s1")
	ctx := context.Background()

	data, err := a.CreateStream(ctx, transport.StreamConfig{NodeID: "a", Name: "eeg"}, nil)
	require.NoError(t, err)
	require.NoError(t, b.SubscribeToSource(ctx, data.Descriptor().SourceID))
	require.NoError(t, data.Push(ctx, []byte{7, 8}))

	p := receive(t, b)
	assert.Equal(t, transport.PayloadData, p.Kind)
	assert.Equal(t, []byte{7, 8}, p.Data)

	require.NoError(t, data.Close())
	assert.ErrorIs(t, data.Push(ctx, nil), transport.ErrStreamClosed)
	assert.Eventually(t, func() bool { return h.server.Stats().Sources == 2 }, time.Second, 10*time.Millisecond)
}

func TestHubPeerDisconnectWithdrawsSources(t *testing.T) {
	h := newPipeHub(t)
	a, _ := join(t, h, "a", "s1")
	b, _ := join(t, h, "b", "s1")

	require.NoError(t, a.Dispose(context.Background()))
	assert.Eventually(t, func() bool {
		found, err := b.ResolveAvailable(context.Background(), nil, time.Second, 0)
		return err == nil && len(found) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, a.SendMessage(context.Background(), nil), transport.ErrDisposed)
}

func TestHubClientReconnectReplaysState(t *testing.T) {
	h := newPipeHub(t)
	a, _ := join(t, h, "a", "s1")
	b, _ := join(t, h, "b", "s1")
	ctx := context.Background()
	require.NoError(t, b.SubscribeToSource(ctx, "a/coord"))

	h.sever()
	assert.Eventually(t, func() bool { return h.server.Stats().Peers == 0 }, 2*time.Second, 10*time.Millisecond)

	// a redials and re-announces on its next call; b's replayed subscription
	// may race that, so it subscribes again explicitly.
	_, err := a.ResolveAvailable(ctx, nil, time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, b.SubscribeToSource(ctx, "a/coord"))

	require.NoError(t, a.SendMessage(ctx, []byte("after")))
	p := receive(t, b)
	assert.Equal(t, "after", string(p.Data))
}

func TestHubUninitialized(t *testing.T) {
	h := newPipeHub(t)
	c := NewClient(h.dial, log.Nop())
	_, err := c.CreateStream(context.Background(), transport.StreamConfig{}, nil)
	assert.ErrorIs(t, err, transport.ErrNotInitialized)
}

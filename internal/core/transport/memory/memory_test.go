package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/syncmesh/internal/core/transport"
)

func attach(t *testing.T, net *Network, nodeID, sessionID string) (*Adapter, transport.Stream) {
	t.Helper()
	ctx := context.Background()
	a := NewAdapter(net, 64)
	require.NoError(t, a.Initialize(ctx))
	s, err := a.CreateStream(ctx, transport.StreamConfig{
		SourceID: nodeID + "/coord",
		NodeID:   nodeID,
		Name:     nodeID,
		Type:     transport.StreamCoordination,
	}, &transport.SessionInfo{SessionID: sessionID})
	require.NoError(t, err)
	return a, s
}

func TestResolveFiltersBySession(t *testing.T) {
	net := NewNetwork()
	a, _ := attach(t, net, "a", "s1")
	attach(t, net, "b", "s1")
	attach(t, net, "c", "s2")

	found, err := a.ResolveAvailable(context.Background(), transport.SessionPredicate("s1", "a"), time.Second, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "b", found[0].NodeID)
	assert.Equal(t, transport.SessionKey("s1"), found[0].SessionKey)

	all, err := a.ResolveAvailable(context.Background(), nil, time.Second, 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSendMessageReachesSubscribersInOrder(t *testing.T) {
	net := NewNetwork()
	a, _ := attach(t, net, "a", "s1")
	b, _ := attach(t, net, "b", "s1")
	ctx := context.Background()

	require.NoError(t, b.SubscribeToSource(ctx, "a/coord"))
	for i := 0; i < 10; i++ {
		require.NoError(t, a.SendMessage(ctx, []byte(fmt.Sprintf("m%d", i))))
	}
	for i := 0; i < 10; i++ {
		select {
		case p := <-b.Inbound():
			assert.Equal(t, "a/coord", p.SourceID)
			assert.Equal(t, transport.PayloadControl, p.Kind)
			assert.Equal(t, fmt.Sprintf("m%d", i), string(p.Data))
		case <-time.After(time.Second):
			t.Fatal("payload not delivered")
		}
	}

	require.NoError(t, b.UnsubscribeFromSource(ctx, "a/coord"))
	require.NoError(t, a.SendMessage(ctx, []byte("late")))
	select {
	case p := <-b.Inbound():
		t.Fatalf("unexpected payload %q", p.Data)
	default:
	}
}

func TestSubscribeUnknownSource(t *testing.T) {
	net := NewNetwork()
	a, _ := attach(t, net, "a", "s1")
	err := a.SubscribeToSource(context.Background(), "ghost")
	assert.ErrorIs(t, err, transport.ErrUnknownSource)
}

func TestFaultInjection(t *testing.T) {
	net := NewNetwork()
	a, _ := attach(t, net, "a", "s1")
	attach(t, net, "b", "s1")
	ctx := context.Background()
	pred := transport.SessionPredicate("s1", "a")

	boom := errors.New("multicast down")
	net.FailResolves(boom)
	_, err := a.ResolveAvailable(ctx, pred, time.Second, 0)
	assert.ErrorIs(t, err, boom)
	net.FailResolves(nil)

	net.Hide("b", true)
	found, err := a.ResolveAvailable(ctx, pred, time.Second, 0)
	require.NoError(t, err)
	assert.Empty(t, found)
	net.Hide("b", false)

	net.DelayResolves(50 * time.Millisecond)
	_, err = a.ResolveAvailable(ctx, pred, 10*time.Millisecond, 0)
	assert.ErrorIs(t, err, transport.ErrResolveTimeout)
}

func TestDisposeWithdrawsAndIsIdempotent(t *testing.T) {
	net := NewNetwork()
	a, _ := attach(t, net, "a", "s1")
	b, _ := attach(t, net, "b", "s1")
	ctx := context.Background()

	require.NoError(t, a.Dispose(ctx))
	require.NoError(t, a.Dispose(ctx))
	_, ok := <-a.Inbound()
	assert.False(t, ok)

	found, err := b.ResolveAvailable(ctx, nil, time.Second, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "b", found[0].NodeID)

	assert.ErrorIs(t, a.SendMessage(ctx, nil), transport.ErrDisposed)
}

func TestStreamPushAndClose(t *testing.T) {
	net := NewNetwork()
	a, _ := attach(t, net, "a", "s1")
	b, _ := attach(t, net, "b", "s1")
	ctx := context.Background()

	data, err := a.CreateStream(ctx, transport.StreamConfig{NodeID: "a", Name: "eeg"}, nil)
	require.NoError(t, err)
	assert.Equal(t, transport.StreamData, data.Descriptor().Type)
	require.NoError(t, b.SubscribeToSource(ctx, data.Descriptor().SourceID))

	require.NoError(t, data.Push(ctx, []byte{1, 2, 3}))
	p := <-b.Inbound()
	assert.Equal(t, transport.PayloadData, p.Kind)
	assert.Equal(t, []byte{1, 2, 3}, p.Data)

	require.NoError(t, data.Close())
	require.NoError(t, data.Close())
	assert.ErrorIs(t, data.Push(ctx, nil), transport.ErrStreamClosed)
	assert.Len(t, net.Sources(), 2)
}

func TestUninitializedAdapter(t *testing.T) {
	a := NewAdapter(NewNetwork(), 0)
	_, err := a.CreateStream(context.Background(), transport.StreamConfig{}, nil)
	assert.ErrorIs(t, err, transport.ErrNotInitialized)
}

package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/syncmesh/internal/core/cluster"
	"github.com/zeusync/syncmesh/internal/core/events"
	"github.com/zeusync/syncmesh/internal/core/events/bus"
	"github.com/zeusync/syncmesh/internal/core/observability/log"
)

func TestCollectorCountsBusEvents(t *testing.T) {
	c := New("s1")
	b := bus.New(log.Nop())
	defer b.Close()
	b.AddObserver(c)

	a, err := cluster.NewNode("a", "a", cluster.NewCapabilitySet(cluster.CapabilityObserver), nil)
	require.NoError(t, err)
	n, err := cluster.NewNode("b", "b", cluster.NewCapabilitySet(cluster.CapabilityParticipant), nil)
	require.NoError(t, err)

	b.Publish(events.TopologyChanged{Header: events.NewHeader("a"), Nodes: []cluster.Node{a, n}})
	b.Publish(events.ElectionFailed{Header: events.NewHeader("a"), Reason: "no candidates"})
	b.Publish(events.ElectionFailed{Header: events.NewHeader("a"), Reason: "no candidates"})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues(string(events.KindTopologyChanged))))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.events.WithLabelValues(string(events.KindElectionFailed))))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.nodes))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.elections.WithLabelValues("failed")))
}

func TestCollectorHandlerErrors(t *testing.T) {
	c := New("s1")
	c.OnDelivered(events.KindResourceError, 1, errors.New("boom"), 12)
	c.OnDelivered(events.KindResourceError, 1, nil, 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handlerErrors))
}

func TestResourceStatesAndExposition(t *testing.T) {
	c := New("s1")
	c.SetResourceStates(map[string]int{"active": 3, "error": 1})
	c.SetResourceStates(map[string]int{"active": 2})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.resources.WithLabelValues("active")))

	var sent uint64 = 7
	require.NoError(t, c.TrackCounter("protocol_sent_total", "Messages sent.", func() uint64 { return sent }))
	assert.Error(t, c.TrackCounter("protocol_sent_total", "dup", func() uint64 { return 0 }))

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `syncmesh_resources{session="s1",state="active"} 2`))
	assert.False(t, strings.Contains(text, `state="error"`))
	assert.True(t, strings.Contains(text, "syncmesh_protocol_sent_total 7"))
}

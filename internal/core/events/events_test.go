package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zeusync/syncmesh/internal/core/cluster"
)

type recorder struct{ seen []Kind }

func (r *recorder) RoleChanged(e RoleChanged)                   { r.seen = append(r.seen, e.Kind()) }
func (r *recorder) TopologyChanged(e TopologyChanged)           { r.seen = append(r.seen, e.Kind()) }
func (r *recorder) NetworkFound(e NetworkFound)                 { r.seen = append(r.seen, e.Kind()) }
func (r *recorder) NetworkLost(e NetworkLost)                   { r.seen = append(r.seen, e.Kind()) }
func (r *recorder) NetworkUpdated(e NetworkUpdated)             { r.seen = append(r.seen, e.Kind()) }
func (r *recorder) ElectionStarted(e ElectionStarted)           { r.seen = append(r.seen, e.Kind()) }
func (r *recorder) ElectionCompleted(e ElectionCompleted)       { r.seen = append(r.seen, e.Kind()) }
func (r *recorder) ElectionFailed(e ElectionFailed)             { r.seen = append(r.seen, e.Kind()) }
func (r *recorder) ResourceCreated(e ResourceCreated)           { r.seen = append(r.seen, e.Kind()) }
func (r *recorder) ResourceStateChanged(e ResourceStateChanged) { r.seen = append(r.seen, e.Kind()) }
func (r *recorder) ResourceError(e ResourceError)               { r.seen = append(r.seen, e.Kind()) }
func (r *recorder) ResourceDisposed(e ResourceDisposed)         { r.seen = append(r.seen, e.Kind()) }

func TestDispatchReachesMatchingMethod(t *testing.T) {
	all := []Event{
		RoleChanged{}, TopologyChanged{}, NetworkFound{}, NetworkLost{}, NetworkUpdated{},
		ElectionStarted{}, ElectionCompleted{}, ElectionFailed{},
		ResourceCreated{}, ResourceStateChanged{}, ResourceError{Err: errors.New("x")}, ResourceDisposed{},
	}
	r := &recorder{}
	want := make([]Kind, len(all))
	for i, e := range all {
		Dispatch(e, r)
		want[i] = e.Kind()
	}
	assert.Equal(t, want, r.seen)

	kinds := map[Kind]struct{}{}
	for _, k := range want {
		kinds[k] = struct{}{}
	}
	assert.Len(t, kinds, len(all), "every variant has its own kind")
}

func TestHeaderAndHelpers(t *testing.T) {
	h := NewHeader("a")
	assert.Equal(t, "a", h.Source())
	assert.False(t, h.Timestamp().IsZero())

	b, err := cluster.NewNode("b", "b", cluster.NewCapabilitySet(cluster.CapabilityParticipant), nil)
	assert.NoError(t, err)
	c, err := cluster.NewNode("c", "c", cluster.NewCapabilitySet(cluster.CapabilityParticipant), nil)
	assert.NoError(t, err)
	e := TopologyChanged{Header: h, Nodes: []cluster.Node{b, c}}
	assert.Equal(t, []string{"b", "c"}, e.NodeIDs())

	rc := RoleChanged{NodeID: "b", From: cluster.RoleParticipant, To: cluster.RoleCoordinator}
	assert.Equal(t, "role b: participant -> coordinator", rc.String())
}

// Package events defines the closed set of events a coordination session
// surfaces to its callers.
//
// Event is sealed: only types in this package implement it. Consumers that
// need to branch on the variant implement Visitor and call Dispatch; adding a
// variant adds a Visitor method, which breaks every consumer at compile time
// until it handles the new case.
package events

import (
	"fmt"
	"time"

	"github.com/zeusync/syncmesh/internal/core/cluster"
)

// Kind is the routing key of an event on the bus.
type Kind string

const (
	KindRoleChanged          Kind = "role.changed"
	KindTopologyChanged      Kind = "topology.changed"
	KindNetworkFound         Kind = "network.found"
	KindNetworkLost          Kind = "network.lost"
	KindNetworkUpdated       Kind = "network.updated"
	KindElectionStarted      Kind = "election.started"
	KindElectionCompleted    Kind = "election.completed"
	KindElectionFailed       Kind = "election.failed"
	KindResourceCreated      Kind = "resource.created"
	KindResourceStateChanged Kind = "resource.state_changed"
	KindResourceError        Kind = "resource.error"
	KindResourceDisposed     Kind = "resource.disposed"
)

// Event is one entry of the session event stream.
type Event interface {
	Kind() Kind
	Source() string
	Timestamp() time.Time
	accept(v Visitor)
}

// Visitor has one method per event variant.
type Visitor interface {
	RoleChanged(RoleChanged)
	TopologyChanged(TopologyChanged)
	NetworkFound(NetworkFound)
	NetworkLost(NetworkLost)
	NetworkUpdated(NetworkUpdated)
	ElectionStarted(ElectionStarted)
	ElectionCompleted(ElectionCompleted)
	ElectionFailed(ElectionFailed)
	ResourceCreated(ResourceCreated)
	ResourceStateChanged(ResourceStateChanged)
	ResourceError(ResourceError)
	ResourceDisposed(ResourceDisposed)
}

// Dispatch calls the Visitor method matching e's variant.
func Dispatch(e Event, v Visitor) {
	e.accept(v)
}

// Header carries the fields shared by all variants.
type Header struct {
	From string
	At   time.Time
}

func (h Header) Source() string       { return h.From }
func (h Header) Timestamp() time.Time { return h.At }

func NewHeader(source string) Header {
	return Header{From: source, At: time.Now()}
}

type RoleChanged struct {
	Header
	NodeID string
	From   cluster.Role
	To     cluster.Role
}

func (RoleChanged) Kind() Kind         { return KindRoleChanged }
func (e RoleChanged) accept(v Visitor) { v.RoleChanged(e) }

func (e RoleChanged) String() string {
	return fmt.Sprintf("role %s: %s -> %s", e.NodeID, e.From, e.To)
}

// TopologyChanged carries the full membership after the change, sorted by id.
type TopologyChanged struct {
	Header
	Nodes  []cluster.Node
	Reason string
}

func (TopologyChanged) Kind() Kind         { return KindTopologyChanged }
func (e TopologyChanged) accept(v Visitor) { v.TopologyChanged(e) }

// NodeIDs lists the member ids in order.
func (e TopologyChanged) NodeIDs() []string {
	ids := make([]string, len(e.Nodes))
	for i, n := range e.Nodes {
		ids[i] = n.ID()
	}
	return ids
}

type NetworkFound struct {
	Header
	Node cluster.Node
}

func (NetworkFound) Kind() Kind         { return KindNetworkFound }
func (e NetworkFound) accept(v Visitor) { v.NetworkFound(e) }

type NetworkLost struct {
	Header
	NodeID       string
	MissedCycles int
}

func (NetworkLost) Kind() Kind         { return KindNetworkLost }
func (e NetworkLost) accept(v Visitor) { v.NetworkLost(e) }

type NetworkUpdated struct {
	Header
	Node cluster.Node
}

func (NetworkUpdated) Kind() Kind         { return KindNetworkUpdated }
func (e NetworkUpdated) accept(v Visitor) { v.NetworkUpdated(e) }

type ElectionStarted struct {
	Header
	ElectionID string
	Strategy   string
	Candidates []string
}

func (ElectionStarted) Kind() Kind         { return KindElectionStarted }
func (e ElectionStarted) accept(v Visitor) { v.ElectionStarted(e) }

type ElectionCompleted struct {
	Header
	ElectionID string
	Winner     cluster.Node
	Candidates []string
	Votes      map[string]int
}

func (ElectionCompleted) Kind() Kind         { return KindElectionCompleted }
func (e ElectionCompleted) accept(v Visitor) { v.ElectionCompleted(e) }

type ElectionFailed struct {
	Header
	ElectionID string
	Reason     string
}

func (ElectionFailed) Kind() Kind         { return KindElectionFailed }
func (e ElectionFailed) accept(v Visitor) { v.ElectionFailed(e) }

type ResourceCreated struct {
	Header
	ResourceID   string
	ResourceKind string
}

func (ResourceCreated) Kind() Kind         { return KindResourceCreated }
func (e ResourceCreated) accept(v Visitor) { v.ResourceCreated(e) }

type ResourceStateChanged struct {
	Header
	ResourceID string
	From       string
	To         string
}

func (ResourceStateChanged) Kind() Kind         { return KindResourceStateChanged }
func (e ResourceStateChanged) accept(v Visitor) { v.ResourceStateChanged(e) }

type ResourceError struct {
	Header
	ResourceID string
	Op         string
	Err        error
}

func (ResourceError) Kind() Kind         { return KindResourceError }
func (e ResourceError) accept(v Visitor) { v.ResourceError(e) }

type ResourceDisposed struct {
	Header
	ResourceID string
}

func (ResourceDisposed) Kind() Kind         { return KindResourceDisposed }
func (e ResourceDisposed) accept(v Visitor) { v.ResourceDisposed(e) }

// Sink receives events. Components hold a Sink, never a concrete bus.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

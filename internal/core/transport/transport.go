// Package transport defines the adapter contract the coordination layer
// consumes. Implementations live in sub-packages: memory (in-process), hub
// (relay protocol over any framed connection), websocket and quic.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrNotInitialized = errors.New("transport: adapter not initialized")
	ErrDisposed       = errors.New("transport: adapter disposed")
	ErrUnknownSource  = errors.New("transport: unknown source")
	ErrStreamClosed   = errors.New("transport: stream closed")
	ErrResolveTimeout = errors.New("transport: resolve timed out")
)

// StreamType distinguishes the coordination channel from data streams on the
// same transport.
type StreamType string

const (
	StreamCoordination StreamType = "coordination"
	StreamData         StreamType = "data"
)

// SourceDescriptor is what discovery sees of a remote stream.
type SourceDescriptor struct {
	SourceID     string            `json:"sourceId"`
	NodeID       string            `json:"nodeId"`
	Name         string            `json:"name"`
	Type         StreamType        `json:"type"`
	SessionID    string            `json:"sessionId"`
	SessionKey   uint64            `json:"sessionKey"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// Equal reports whether two descriptors announce the same thing.
func (d SourceDescriptor) Equal(o SourceDescriptor) bool {
	if d.SourceID != o.SourceID || d.NodeID != o.NodeID || d.Name != o.Name ||
		d.Type != o.Type || d.SessionID != o.SessionID || d.SessionKey != o.SessionKey {
		return false
	}
	if len(d.Capabilities) != len(o.Capabilities) || len(d.Metadata) != len(o.Metadata) {
		return false
	}
	for i := range d.Capabilities {
		if d.Capabilities[i] != o.Capabilities[i] {
			return false
		}
	}
	for k, v := range d.Metadata {
		if ov, ok := o.Metadata[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// SessionKey fingerprints a session id so descriptors can be matched without
// string comparison on every resolve.
func SessionKey(sessionID string) uint64 {
	return xxhash.Sum64String(sessionID)
}

// Predicate filters resolved sources.
type Predicate func(SourceDescriptor) bool

// SessionPredicate matches coordination sources of sessionID, excluding
// selfNodeID.
func SessionPredicate(sessionID, selfNodeID string) Predicate {
	key := SessionKey(sessionID)
	return func(d SourceDescriptor) bool {
		return d.SessionKey == key && d.SessionID == sessionID &&
			d.Type == StreamCoordination && d.NodeID != selfNodeID
	}
}

// StreamConfig describes an outlet to create.
type StreamConfig struct {
	SourceID     string
	NodeID       string
	Name         string
	Type         StreamType
	Capabilities []string
	Metadata     map[string]string
}

// SessionInfo scopes a stream to a coordination session.
type SessionInfo struct {
	SessionID string
}

// Stream is an announced outlet. Closing it withdraws the announcement.
type Stream interface {
	Descriptor() SourceDescriptor
	Push(ctx context.Context, data []byte) error
	Close() error
}

// PayloadKind tells coordination payloads from data samples.
type PayloadKind uint8

const (
	PayloadControl PayloadKind = iota
	PayloadData
)

// Payload is one inbound delivery from a subscribed source. Payloads of one
// source arrive in the order that source sent them.
type Payload struct {
	SourceID   string
	Kind       PayloadKind
	Data       []byte
	ReceivedAt time.Time
}

// Adapter is the pluggable send/receive/resolve primitive. Every call may fail
// with a transport-specific error; callers treat those as recoverable except
// during Initialize.
type Adapter interface {
	Initialize(ctx context.Context) error
	CreateStream(ctx context.Context, config StreamConfig, session *SessionInfo) (Stream, error)
	// SendMessage sends a coordination payload to every subscriber of this
	// adapter's coordination stream.
	SendMessage(ctx context.Context, payload []byte) error
	SubscribeToSource(ctx context.Context, sourceID string) error
	UnsubscribeFromSource(ctx context.Context, sourceID string) error
	ResolveAvailable(ctx context.Context, predicate Predicate, waitTime time.Duration, maxResults int) ([]SourceDescriptor, error)
	// Inbound carries payloads from subscribed sources. It is closed by Dispose.
	Inbound() <-chan Payload
	Dispose(ctx context.Context) error
}

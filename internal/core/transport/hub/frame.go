// Package hub implements a relay transport: nodes connect to a hub over any
// framed connection (WebSocket, QUIC stream), announce their sources, resolve
// each other's sources and exchange payloads through it. The hub only
// relays; it takes no part in membership, roles or elections.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zeusync/syncmesh/internal/core/transport"
)

var (
	ErrConnectionLost = errors.New("hub: connection lost")
	ErrRemote         = errors.New("hub: remote error")
	ErrBadFrame       = errors.New("hub: malformed frame")
)

// MaxFrameSize bounds a single encoded frame.
const MaxFrameSize = 4 << 20

// FrameConn is a message-oriented connection. WriteFrame must be safe for
// concurrent use; ReadFrame is called from a single goroutine.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	RemoteAddr() string
	Close() error
}

type Op string

const (
	OpAnnounce    Op = "announce"
	OpWithdraw    Op = "withdraw"
	OpResolve     Op = "resolve"
	OpResolved    Op = "resolved"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPublish     Op = "publish"
	OpDeliver     Op = "deliver"
	OpAck         Op = "ack"
	OpError       Op = "error"
)

// Frame is the single envelope exchanged between hub and clients.
type Frame struct {
	Op         Op                           `json:"op"`
	Seq        uint64                       `json:"seq,omitempty"`
	Source     *transport.SourceDescriptor  `json:"source,omitempty"`
	Sources    []transport.SourceDescriptor `json:"sources,omitempty"`
	SourceID   string                       `json:"sourceId,omitempty"`
	Kind       transport.PayloadKind        `json:"kind,omitempty"`
	Data       []byte                       `json:"data,omitempty"`
	SessionKey uint64                       `json:"sessionKey,omitempty"`
	Error      string                       `json:"error,omitempty"`
}

func encodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrBadFrame, len(data), MaxFrameSize)
	}
	return data, nil
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if f.Op == "" {
		return Frame{}, fmt.Errorf("%w: missing op", ErrBadFrame)
	}
	return f, nil
}

func writeFrame(conn FrameConn, f Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return conn.WriteFrame(data)
}

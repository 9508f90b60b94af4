// Package quic carries hub frames over a single bidirectional QUIC stream
// per node, using length-prefixed framing.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/syncmesh/internal/core/observability/log"
	"github.com/zeusync/syncmesh/internal/core/transport/hub"
	"github.com/zeusync/syncmesh/pkg/generic"
)

const (
	NextProto = "syncmesh-quic"

	DefaultIdleTimeout = 30 * time.Second
	DefaultKeepAlive   = 10 * time.Second

	headerSize = 8
)

// writeBuffers holds header+payload scratch space for WriteFrame.
var writeBuffers = generic.NewBufferPool(4096, 64*1024)

// Config tunes the QUIC layer.
type Config struct {
	IdleTimeout time.Duration `yaml:"idleTimeout"`
	KeepAlive   time.Duration `yaml:"keepAlive"`
}

func DefaultConfig() Config {
	return Config{IdleTimeout: DefaultIdleTimeout, KeepAlive: DefaultKeepAlive}
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  c.IdleTimeout,
		KeepAlivePeriod: c.KeepAlive,
	}
}

var _ hub.FrameConn = (*Conn)(nil)

// Conn frames messages on one QUIC stream: an 8-byte big-endian length
// followed by the payload.
type Conn struct {
	conn   *quic.Conn
	stream *quic.Stream

	writeMu sync.Mutex
	closed  atomic.Bool
}

func NewConn(conn *quic.Conn, stream *quic.Stream) *Conn {
	return &Conn{conn: conn, stream: stream}
}

func (c *Conn) ReadFrame() ([]byte, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(c.stream, header); err != nil {
		return nil, errors.Wrap(err, "failed to read frame header")
	}
	size := binary.BigEndian.Uint64(header)
	if size > hub.MaxFrameSize {
		return nil, errors.Errorf("frame size %d exceeds limit %d", size, hub.MaxFrameSize)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(c.stream, data); err != nil {
		return nil, errors.Wrap(err, "failed to read frame data")
	}
	return data, nil
}

func (c *Conn) WriteFrame(data []byte) error {
	if c.closed.Load() {
		return errors.New("connection is closed")
	}
	buf := writeBuffers.Get()
	defer writeBuffers.Put(buf)
	*buf = binary.BigEndian.AppendUint64(*buf, uint64(len(data)))
	*buf = append(*buf, data...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stream.Write(*buf); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "connection closed")
}

// Listener accepts QUIC connections and serves them on a hub.
type Listener struct {
	listener *quic.Listener
	server   *hub.Server
	logger   log.Log
}

func Listen(addr string, tlsConfig *tls.Config, config Config, server *hub.Server, logger log.Log) (*Listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConfig, config.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}
	l := &Listener{
		listener: ln,
		server:   server,
		logger:   logger.With(log.String("transport", "quic"), log.String("listener_addr", ln.Addr().String())),
	}
	l.logger.Info("QUIC listener started")
	return l, nil
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		conn, err := l.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to accept QUIC connection")
		}
		go l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, conn *quic.Conn) {
	logger := l.logger.With(log.String("remote_addr", conn.RemoteAddr().String()))
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		logger.Warn("No stream opened", log.Error(err))
		_ = conn.CloseWithError(1, "no stream")
		return
	}
	if err = l.server.Serve(ctx, NewConn(conn, stream)); err != nil && ctx.Err() == nil {
		logger.Debug("Connection ended", log.Error(err))
	}
}

func (l *Listener) Close() error {
	return l.listener.Close()
}

// Dialer returns a hub.Dialer for the QUIC hub at addr.
func Dialer(addr string, tlsConfig *tls.Config, config Config) hub.Dialer {
	return func(ctx context.Context) (hub.FrameConn, error) {
		conn, err := quic.DialAddr(ctx, addr, tlsConfig, config.quicConfig())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to dial %s", addr)
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			_ = conn.CloseWithError(1, "open stream failed")
			return nil, errors.Wrap(err, "failed to open stream")
		}
		return NewConn(conn, stream), nil
	}
}

// GenerateSelfSignedTLS returns a server TLS config for local development.
func GenerateSelfSignedTLS() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"syncmesh"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{NextProto},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// InsecureClientTLS trusts any server certificate. Development only.
func InsecureClientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{NextProto},
		MinVersion:         tls.VersionTLS13,
	}
}

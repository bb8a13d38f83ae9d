// Package transport binds and dials the stream transports a ticket can name
// (QUIC, TLS over TCP) behind one Conn/Stream abstraction. Both transports
// present the session identity certificate during the handshake; the dialer
// compares the observed certificate fingerprint against the ticket and
// refuses to exchange any application bytes on a mismatch.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/nearbeam/nearbeam/internal/identity"
	"github.com/nearbeam/nearbeam/pkg/ticket"
)

const (
	alpnProtocol = "nearbeam/1"

	// DefaultConnectTimeout bounds a dial across all ticket endpoints.
	DefaultConnectTimeout = 30 * time.Second
)

var (
	// ErrConnectFailed wraps network-level dial or listen failures.
	ErrConnectFailed = errors.New("connect failed")
	// ErrTimeout indicates the connect timeout elapsed before any endpoint
	// answered.
	ErrTimeout = errors.New("connect timed out")
	// ErrIdentityMismatch indicates the handshake presented a certificate
	// whose fingerprint does not match the ticket.
	ErrIdentityMismatch = errors.New("peer identity mismatch")
)

// Stream is one bidirectional byte stream. CloseWrite signals end of data
// to the peer while leaving the read side open for acknowledgements.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	CloseWrite() error
}

// Conn is an established, identity-attested connection.
type Conn interface {
	// OpenStream opens an outgoing stream.
	OpenStream(ctx context.Context) (Stream, error)
	// AcceptStream waits for the peer to open a stream.
	AcceptStream(ctx context.Context) (Stream, error)
	// PeerID is the fingerprint of the certificate the peer presented.
	PeerID() [identity.Size]byte
	RemoteAddr() net.Addr
	Close() error
}

// Listener serves exactly one connection for a session.
type Listener interface {
	// Endpoints lists the (host, port) pairs a ticket should advertise.
	Endpoints() []ticket.Endpoint
	// AcceptOne blocks for the first handshake-complete connection.
	AcceptOne(ctx context.Context) (Conn, error)
	Close() error
}

// Bind opens an ephemeral listener for the chosen protocol.
func Bind(ctx context.Context, proto ticket.Protocol, id *identity.Identity, logger *slog.Logger) (Listener, error) {
	switch proto {
	case ticket.ProtocolQUIC:
		return listenQUIC(ctx, id, logger)
	case ticket.ProtocolTCP:
		return listenTCP(id, logger)
	default:
		return nil, fmt.Errorf("bind: unknown protocol %v", proto)
	}
}

// Dial connects to the ticket's endpoints in order with the ticket's
// protocol, returning the first connection whose handshake identity matches
// the ticket's sender fingerprint. An identity mismatch aborts immediately;
// network errors move on to the next endpoint.
func Dial(ctx context.Context, tk ticket.SessionTicket, id *identity.Identity, timeout time.Duration, logger *slog.Logger) (Conn, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for _, ep := range tk.Endpoints {
		if dialCtx.Err() != nil {
			break
		}

		var (
			conn Conn
			err  error
		)
		switch tk.Protocol {
		case ticket.ProtocolQUIC:
			conn, err = dialQUIC(dialCtx, ep, id, logger)
		case ticket.ProtocolTCP:
			conn, err = dialTCP(dialCtx, ep, id, logger)
		default:
			return nil, fmt.Errorf("dial: unknown protocol %v", tk.Protocol)
		}
		if err != nil {
			logger.Debug("endpoint failed", "endpoint", ep.String(), "err", err)
			lastErr = err
			continue
		}

		if conn.PeerID() != tk.SenderID {
			conn.Close()
			return nil, fmt.Errorf("%w: endpoint %s presented a different certificate", ErrIdentityMismatch, ep.String())
		}
		logger.Info("connected", "protocol", tk.Protocol.String(), "endpoint", ep.String())
		return conn, nil
	}

	if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%w after %v", ErrTimeout, timeout)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if lastErr == nil {
		lastErr = errors.New("no endpoints in ticket")
	}
	return nil, fmt.Errorf("%w: %v", ErrConnectFailed, lastErr)
}

// serverTLSConfig demands a client certificate so the accepting side also
// learns the dialer's fingerprint.
func serverTLSConfig(id *identity.Identity) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{id.TLSCertificate()},
		ClientAuth:   tls.RequireAnyClientCert,
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
	}
}

// clientTLSConfig skips chain verification: both sides use ephemeral
// self-signed certificates, and authenticity comes from comparing the
// certificate fingerprint against the ticket after the handshake.
func clientTLSConfig(id *identity.Identity) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{id.TLSCertificate()},
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

// peerFingerprint extracts the identity fingerprint from a completed
// handshake's state.
func peerFingerprint(state tls.ConnectionState) ([identity.Size]byte, error) {
	if len(state.PeerCertificates) == 0 {
		return [identity.Size]byte{}, errors.New("peer presented no certificate")
	}
	return identity.FingerprintOf(state.PeerCertificates[0].Raw), nil
}

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/nearbeam/nearbeam/internal/identity"
	"github.com/nearbeam/nearbeam/pkg/ticket"
)

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             100,
		InitialConnectionReceiveWindow: 64 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     16 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

type quicListener struct {
	ln        *quic.Listener
	udpConn   *net.UDPConn
	endpoints []ticket.Endpoint
	logger    *slog.Logger
}

func listenQUIC(ctx context.Context, id *identity.Identity, logger *slog.Logger) (Listener, error) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("%w: listen udp: %v", ErrConnectFailed, err)
	}
	port := uint16(udpConn.LocalAddr().(*net.UDPAddr).Port)

	endpoints := LocalEndpoints(port)
	// Best effort: a STUN-mapped endpoint helps across NAT'd LAN segments.
	// The probe runs before the QUIC stack takes over the socket.
	if pub, err := PublicEndpoint(ctx, udpConn, DefaultSTUNServers, logger); err != nil {
		logger.Debug("public endpoint probe failed", "err", err)
	} else {
		endpoints = appendUniqueEndpoint(endpoints, pub)
	}

	ln, err := quic.Listen(udpConn, serverTLSConfig(id), quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("%w: quic listen: %v", ErrConnectFailed, err)
	}

	logger.Info("listener bound", "protocol", "quic", "port", port)
	return &quicListener{ln: ln, udpConn: udpConn, endpoints: endpoints, logger: logger}, nil
}

func (l *quicListener) Endpoints() []ticket.Endpoint { return l.endpoints }

func (l *quicListener) AcceptOne(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: quic accept: %v", ErrConnectFailed, err)
	}

	peerID, err := peerFingerprint(conn.ConnectionState().TLS)
	if err != nil {
		conn.CloseWithError(0, "no certificate")
		return nil, fmt.Errorf("%w: %v", ErrIdentityMismatch, err)
	}

	return &quicConn{conn: conn, peerID: peerID}, nil
}

func (l *quicListener) Close() error {
	err := l.ln.Close()
	l.udpConn.Close()
	return err
}

func dialQUIC(ctx context.Context, ep ticket.Endpoint, id *identity.Identity, logger *slog.Logger) (Conn, error) {
	remote, err := net.ResolveUDPAddr("udp", ep.String())
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ep.String(), err)
	}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	conn, err := quic.Dial(ctx, udpConn, remote, clientTLSConfig(id), quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("quic dial %s: %w", ep.String(), err)
	}

	peerID, err := peerFingerprint(conn.ConnectionState().TLS)
	if err != nil {
		conn.CloseWithError(0, "no certificate")
		udpConn.Close()
		return nil, fmt.Errorf("%w: %v", ErrIdentityMismatch, err)
	}

	return &quicConn{conn: conn, udpConn: udpConn, peerID: peerID}, nil
}

type quicConn struct {
	conn    *quic.Conn
	udpConn *net.UDPConn // owned on the dial side only
	peerID  [identity.Size]byte
}

func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{s: s}, nil
}

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{s: s}, nil
}

func (c *quicConn) PeerID() [identity.Size]byte { return c.peerID }
func (c *quicConn) RemoteAddr() net.Addr        { return c.conn.RemoteAddr() }

func (c *quicConn) Close() error {
	err := c.conn.CloseWithError(0, "done")
	if c.udpConn != nil {
		c.udpConn.Close()
	}
	return err
}

type quicStream struct {
	s *quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error)  { return s.s.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.s.Write(p) }

// CloseWrite sends FIN on the write side; the read side stays open.
func (s *quicStream) CloseWrite() error { return s.s.Close() }

func (s *quicStream) Close() error {
	s.s.CancelRead(0)
	return s.s.Close()
}

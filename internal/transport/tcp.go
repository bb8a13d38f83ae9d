package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/nearbeam/nearbeam/internal/identity"
	"github.com/nearbeam/nearbeam/pkg/ticket"
)

type tcpListener struct {
	ln        net.Listener
	id        *identity.Identity
	endpoints []ticket.Endpoint
	logger    *slog.Logger
}

func listenTCP(id *identity.Identity, logger *slog.Logger) (Listener, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("%w: listen tcp: %v", ErrConnectFailed, err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	logger.Info("listener bound", "protocol", "tcp", "port", port)
	return &tcpListener{
		ln:        ln,
		id:        id,
		endpoints: LocalEndpoints(port),
		logger:    logger,
	}, nil
}

func (l *tcpListener) Endpoints() []ticket.Endpoint { return l.endpoints }

func (l *tcpListener) AcceptOne(ctx context.Context) (Conn, error) {
	raw, err := acceptWithContext(ctx, l.ln)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Server(raw, serverTLSConfig(l.id))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tlsConn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: tls handshake: %v", ErrConnectFailed, err)
	}

	peerID, err := peerFingerprint(tlsConn.ConnectionState())
	if err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("%w: %v", ErrIdentityMismatch, err)
	}

	return newTCPConn(tlsConn, peerID), nil
}

func (l *tcpListener) Close() error { return l.ln.Close() }

func acceptWithContext(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type res struct {
		conn net.Conn
		err  error
	}
	ch := make(chan res, 1)
	go func() {
		c, err := ln.Accept()
		ch <- res{conn: c, err: err}
	}()
	select {
	case <-ctx.Done():
		_ = ln.Close()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: accept: %v", ErrConnectFailed, r.err)
		}
		return r.conn, nil
	}
}

func dialTCP(ctx context.Context, ep ticket.Endpoint, id *identity.Identity, logger *slog.Logger) (Conn, error) {
	d := net.Dialer{}
	raw, err := d.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", ep.String(), err)
	}

	tlsConn := tls.Client(raw, clientTLSConfig(id))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", ep.String(), err)
	}

	peerID, err := peerFingerprint(tlsConn.ConnectionState())
	if err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("%w: %v", ErrIdentityMismatch, err)
	}

	return newTCPConn(tlsConn, peerID), nil
}

// tcpConn carries exactly one bidirectional stream: the TLS connection
// itself. Open and Accept both hand it out once.
type tcpConn struct {
	tlsConn *tls.Conn
	peerID  [identity.Size]byte
	claimed atomic.Bool
}

func newTCPConn(tlsConn *tls.Conn, peerID [identity.Size]byte) *tcpConn {
	return &tcpConn{tlsConn: tlsConn, peerID: peerID}
}

func (c *tcpConn) claimStream() (Stream, error) {
	if !c.claimed.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("tcp transport carries a single stream")
	}
	return &tcpStream{conn: c.tlsConn}, nil
}

func (c *tcpConn) OpenStream(context.Context) (Stream, error)   { return c.claimStream() }
func (c *tcpConn) AcceptStream(context.Context) (Stream, error) { return c.claimStream() }

func (c *tcpConn) PeerID() [identity.Size]byte { return c.peerID }
func (c *tcpConn) RemoteAddr() net.Addr        { return c.tlsConn.RemoteAddr() }
func (c *tcpConn) Close() error                { return c.tlsConn.Close() }

type tcpStream struct {
	conn *tls.Conn
}

func (s *tcpStream) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *tcpStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *tcpStream) CloseWrite() error           { return s.conn.CloseWrite() }
func (s *tcpStream) Close() error                { return s.conn.Close() }

package transfer

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/nearbeam/nearbeam/internal/identity"
	"github.com/nearbeam/nearbeam/internal/transport"
)

// NewMockConnPair returns two connected in-memory transport.Conn halves.
// Streams are backed by io.Pipe, so reads and writes rendezvous; closing
// either half unblocks the peer. Each half reports the other's id as its
// peer identity.
func NewMockConnPair(idA, idB [identity.Size]byte) (transport.Conn, transport.Conn) {
	a := &mockConn{peerID: idB, streamChan: make(chan *mockStream, 4)}
	b := &mockConn{peerID: idA, streamChan: make(chan *mockStream, 4)}
	a.other = b
	b.other = a
	return a, b
}

type mockConn struct {
	peerID     [identity.Size]byte
	other      *mockConn
	streamChan chan *mockStream

	mu      sync.Mutex
	streams []*mockStream
	closed  bool
}

func (c *mockConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	c.mu.Unlock()

	outReader, outWriter := io.Pipe()
	inReader, inWriter := io.Pipe()

	local := &mockStream{r: inReader, w: outWriter}
	remote := &mockStream{r: outReader, w: inWriter}

	c.mu.Lock()
	c.streams = append(c.streams, local)
	c.mu.Unlock()
	c.other.mu.Lock()
	c.other.streams = append(c.other.streams, remote)
	c.other.mu.Unlock()

	select {
	case c.other.streamChan <- remote:
		return local, nil
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

func (c *mockConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.streamChan:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *mockConn) PeerID() [identity.Size]byte { return c.peerID }

func (c *mockConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := c.streams
	c.streams = nil
	c.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	return nil
}

type mockStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (s *mockStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *mockStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *mockStream) CloseWrite() error           { return s.w.Close() }

func (s *mockStream) Close() error {
	s.w.Close()
	return s.r.Close()
}

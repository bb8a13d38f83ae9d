// Package session orchestrates one complete transfer for one role: build or
// receive the offer, exchange the ticket over the radio, connect, stream,
// and surface a single terminal error. There is no internal retry; a failed
// session is reported and the caller decides whether to start another.
package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/nearbeam/nearbeam/internal/discovery"
	"github.com/nearbeam/nearbeam/internal/identity"
	"github.com/nearbeam/nearbeam/internal/policy"
	"github.com/nearbeam/nearbeam/internal/transfer"
	"github.com/nearbeam/nearbeam/internal/transport"
	"github.com/nearbeam/nearbeam/pkg/manifest"
	"github.com/nearbeam/nearbeam/pkg/ticket"
)

// DefaultServiceTag marks nearbeam advertisements on the radio.
const DefaultServiceTag = "12345678-1234-5678-1234-56789abcdef0"

// Stages reported inside SessionError.
const (
	StageManifest  = "manifest"
	StageListen    = "listen"
	StageAdvertise = "advertise"
	StageAccept    = "accept"
	StageDiscover  = "discover"
	StageTicket    = "ticket"
	StageConnect   = "connect"
	StageTransfer  = "transfer"
)

// SessionError is the single terminal error of a failed session.
type SessionError struct {
	Stage string
	Err   error
}

func (e *SessionError) Error() string { return fmt.Sprintf("session failed at %s: %v", e.Stage, e.Err) }
func (e *SessionError) Unwrap() error { return e.Err }

func stageErr(stage string, err error) error {
	return &SessionError{Stage: stage, Err: err}
}

// Config carries the knobs a CLI surfaces.
type Config struct {
	ServiceTag     string
	Name           string
	ScanWindow     time.Duration
	ConnectTimeout time.Duration
	DestDir        string
	Logger         *slog.Logger
}

func (c *Config) withDefaults() {
	if c.ServiceTag == "" {
		c.ServiceTag = DefaultServiceTag
	}
	if c.ScanWindow <= 0 {
		c.ScanWindow = discovery.DefaultScanWindow
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = transport.DefaultConnectTimeout
	}
	if c.DestDir == "" {
		c.DestDir = "."
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Controller owns the process-lifetime identity and drives sessions.
type Controller struct {
	id    *identity.Identity
	radio discovery.Radio
	cfg   Config
}

// New creates a controller with a fresh identity.
func New(radio discovery.Radio, cfg Config) (*Controller, error) {
	cfg.withDefaults()
	id, err := identity.New()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	cfg.Logger.Info("identity generated", "id", id.ShortHex())
	return &Controller{id: id, radio: radio, cfg: cfg}, nil
}

// Identity returns the controller's identity.
func (c *Controller) Identity() *identity.Identity { return c.id }

// Send offers paths to whichever peer reads the ticket first: build the
// manifest, pick the transport, bind, advertise the ticket, serve exactly
// one verified connection, stream.
func (c *Controller) Send(ctx context.Context, paths []string, onProgress transfer.ProgressFn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log := c.cfg.Logger

	m, err := manifest.BuildFromPaths(paths)
	if err != nil {
		return stageErr(StageManifest, err)
	}
	proto := policy.ChooseProtocol(len(m.Entries), m.TotalBytes)
	log.Info("offer ready", "files", len(m.Entries), "bytes", m.TotalBytes, "protocol", proto.String())

	ln, err := transport.Bind(ctx, proto, c.id, log)
	if err != nil {
		return stageErr(StageListen, err)
	}
	defer ln.Close()

	tk := ticket.SessionTicket{
		Protocol:  proto,
		SenderID:  c.id.ID(),
		Nonce:     newNonce(),
		Endpoints: ln.Endpoints(),
	}
	blob, err := ticket.Encode(tk)
	if err != nil {
		return stageErr(StageTicket, err)
	}

	adv := discovery.StartAdvertise(ctx, c.radio, discovery.Advertisement{
		ServiceTag: c.cfg.ServiceTag,
		Name:       c.cfg.Name,
		Blob:       blob,
	}, log)

	log.Info("waiting for a receiver", "endpoints", len(tk.Endpoints))
	type acceptResult struct {
		conn transport.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		cn, err := ln.AcceptOne(ctx)
		acceptCh <- acceptResult{conn: cn, err: err}
	}()

	// A dead radio means no receiver can ever find the ticket; fail the
	// session instead of waiting for a connection that cannot come.
	var conn transport.Conn
	select {
	case <-adv.Failed():
		cancel()
		adv.Stop()
		if res := <-acceptCh; res.err == nil {
			res.conn.Close()
		}
		return stageErr(StageAdvertise, adv.Err())
	case res := <-acceptCh:
		// The ticket is single-use: stop broadcasting the moment a
		// connection lands, before any bytes move.
		adv.Stop()
		if res.err != nil {
			return stageErr(StageAccept, res.err)
		}
		conn = res.conn
	}
	defer conn.Close()
	log.Info("receiver connected", "remote", conn.RemoteAddr().String())

	engine := transfer.NewSession(log, onProgress)
	if err := engine.Send(ctx, conn, m, paths); err != nil {
		return stageErr(StageTransfer, err)
	}
	return nil
}

// Scan lists nearby senders for one scan window.
func (c *Controller) Scan(ctx context.Context) ([]discovery.DiscoveredPeer, error) {
	peers, err := discovery.ScanWindow(ctx, c.radio, c.cfg.ServiceTag, c.cfg.ScanWindow, c.cfg.Logger)
	if err != nil {
		return nil, stageErr(StageDiscover, err)
	}
	return peers, nil
}

// Receive reads the peer's ticket, dials it, and streams into DestDir.
// The received manifest is returned on success.
func (c *Controller) Receive(ctx context.Context, peer discovery.DiscoveredPeer, onProgress transfer.ProgressFn) (manifest.Manifest, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log := c.cfg.Logger

	blob, err := c.radio.ReadBlob(ctx, peer.Addr)
	if err != nil {
		return manifest.Manifest{}, stageErr(StageTicket, err)
	}
	tk, err := ticket.Decode(blob)
	if err != nil {
		return manifest.Manifest{}, stageErr(StageTicket, err)
	}
	log.Info("ticket read", "peer", peer.Addr, "sender", tk.SenderHex()[:8], "protocol", tk.Protocol.String())

	conn, err := transport.Dial(ctx, tk, c.id, c.cfg.ConnectTimeout, log)
	if err != nil {
		return manifest.Manifest{}, stageErr(StageConnect, err)
	}
	defer conn.Close()

	engine := transfer.NewSession(log, onProgress)
	m, err := engine.Receive(ctx, conn, c.cfg.DestDir)
	if err != nil {
		return m, stageErr(StageTransfer, err)
	}
	return m, nil
}

func newNonce() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint64(b[:])
}

// Package wsradio carries advertisements over a WebSocket "beacon bus" for
// hosts without a usable low-power radio. A small hub relays sightings and
// ticket blobs between advertisers and scanners on the same LAN; the client
// side implements discovery.Radio.
package wsradio

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nearbeam/nearbeam/pkg/protocol"
)

const (
	// maxBlobSize bounds the advertisement blob a hub will relay.
	maxBlobSize = 1024

	// hubRSSI is the simulated signal strength reported for bus sightings.
	hubRSSI = -45

	writeTimeout     = 10 * time.Second
	firstReadTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The bus is a LAN-local convenience, not an internet-facing service.
	CheckOrigin: func(*http.Request) bool { return true },
}

type announcer struct {
	addr string
	ad   protocol.Announce
}

type scanner struct {
	serviceTag string
	send       chan protocol.Envelope
}

// Hub relays advertisements between bus connections. One connection plays
// one role: announce, scan, or blob request.
type Hub struct {
	logger *slog.Logger

	mu         sync.Mutex
	announcers map[string]*announcer
	scanners   map[*scanner]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		announcers: make(map[string]*announcer),
		scanners:   make(map[*scanner]struct{}),
	}
}

// ServeHTTP upgrades the connection and dispatches on the first envelope.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(firstReadTimeout))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		h.logger.Warn("first message unreadable", "remote", r.RemoteAddr, "err", err)
		return
	}
	if err := env.ValidateBasic(); err != nil {
		h.logger.Warn("invalid envelope", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	switch env.Type {
	case protocol.TypeAnnounce:
		h.handleAnnounce(conn, env)
	case protocol.TypeScan:
		h.handleScan(conn, env)
	case protocol.TypeBlobRequest:
		h.handleBlobRequest(conn, env)
	default:
		h.logger.Warn("unknown message type", "type", env.Type)
	}
}

func (h *Hub) handleAnnounce(conn *websocket.Conn, env protocol.Envelope) {
	var ann protocol.Announce
	if err := env.DecodePayload(&ann); err != nil {
		h.logger.Warn("bad announce payload", "err", err)
		return
	}
	if ann.ServiceTag == "" || len(ann.Blob) == 0 || len(ann.Blob) > maxBlobSize {
		h.logger.Warn("rejecting announce", "service_tag", ann.ServiceTag, "blob_len", len(ann.Blob))
		return
	}

	a := &announcer{addr: newAddr(), ad: ann}

	h.mu.Lock()
	h.announcers[a.addr] = a
	h.notifyLocked(protocol.Sighting{
		Addr:       a.addr,
		Name:       ann.Name,
		ServiceTag: ann.ServiceTag,
		RSSI:       hubRSSI,
	})
	h.mu.Unlock()

	h.logger.Info("announcer joined", "addr", a.addr, "service_tag", ann.ServiceTag)

	// The advertisement stays on the air while the connection stays open.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.announcers, a.addr)
	h.mu.Unlock()
	h.logger.Info("announcer left", "addr", a.addr)
}

func (h *Hub) handleScan(conn *websocket.Conn, env protocol.Envelope) {
	var req protocol.Scan
	if err := env.DecodePayload(&req); err != nil {
		h.logger.Warn("bad scan payload", "err", err)
		return
	}

	s := &scanner{serviceTag: req.ServiceTag, send: make(chan protocol.Envelope, 64)}

	h.mu.Lock()
	h.scanners[s] = struct{}{}
	// Replay advertisers already on the air.
	for _, a := range h.announcers {
		if a.ad.ServiceTag == req.ServiceTag {
			h.queueLocked(s, protocol.Sighting{
				Addr:       a.addr,
				Name:       a.ad.Name,
				ServiceTag: a.ad.ServiceTag,
				RSSI:       hubRSSI,
			})
		}
	}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.scanners, s)
		h.mu.Unlock()
	}()

	// Reader only detects disconnect; scanners never send after subscribing.
	readClosed := make(chan struct{})
	go func() {
		defer close(readClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case out := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		case <-readClosed:
			return
		}
	}
}

func (h *Hub) handleBlobRequest(conn *websocket.Conn, env protocol.Envelope) {
	var req protocol.BlobRequest
	if err := env.DecodePayload(&req); err != nil {
		h.logger.Warn("bad blob request payload", "err", err)
		return
	}

	reply := protocol.BlobReply{Addr: req.Addr}
	h.mu.Lock()
	if a, ok := h.announcers[req.Addr]; ok {
		reply.Blob = a.ad.Blob
	} else {
		reply.Err = "no advertiser at address"
	}
	h.mu.Unlock()

	out, err := protocol.NewEnvelope(protocol.TypeBlobReply, reply)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(out); err != nil {
		h.logger.Warn("blob reply write failed", "addr", req.Addr, "err", err)
	}
}

func (h *Hub) notifyLocked(s protocol.Sighting) {
	for sc := range h.scanners {
		if sc.serviceTag == s.ServiceTag {
			h.queueLocked(sc, s)
		}
	}
}

func (h *Hub) queueLocked(sc *scanner, s protocol.Sighting) {
	env, err := protocol.NewEnvelope(protocol.TypeSighting, s)
	if err != nil {
		return
	}
	select {
	case sc.send <- env:
	default:
		// Slow scanner; drop rather than block the hub.
	}
}

func newAddr() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "ws-00000000"
	}
	return "ws-" + hex.EncodeToString(b)
}

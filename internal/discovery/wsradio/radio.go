package wsradio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nearbeam/nearbeam/internal/discovery"
	"github.com/nearbeam/nearbeam/pkg/protocol"
)

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Radio implements discovery.Radio over a beacon bus hub. Each operation
// opens its own connection; the hub treats connection lifetime as
// advertisement lifetime, so closing the advertise connection takes the
// advertisement off the air.
type Radio struct {
	url    string
	logger *slog.Logger
}

var _ discovery.Radio = (*Radio)(nil)

// New returns a Radio speaking to the hub at wsURL.
func New(wsURL string, logger *slog.Logger) *Radio {
	return &Radio{url: wsURL, logger: logger}
}

func (r *Radio) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: beacon hub %s refused upgrade (%d)", discovery.ErrRadioUnavailable, r.url, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial beacon hub %s: %v", discovery.ErrRadioUnavailable, r.url, err)
	}
	return conn, nil
}

func (r *Radio) Advertise(ctx context.Context, ad discovery.Advertisement) error {
	conn, err := r.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	env, err := protocol.NewEnvelope(protocol.TypeAnnounce, protocol.Announce{
		ServiceTag: ad.ServiceTag,
		Name:       ad.Name,
		Blob:       ad.Blob,
	})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send announce: %w", err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("beacon hub connection lost: %w", err)
		}
	}
}

func (r *Radio) Scan(ctx context.Context, serviceTag string) (<-chan discovery.Sighting, error) {
	conn, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}

	env, err := protocol.NewEnvelope(protocol.TypeScan, protocol.Scan{ServiceTag: serviceTag})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send scan: %w", err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	ch := make(chan discovery.Sighting, 16)
	go func() {
		defer close(ch)
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var in protocol.Envelope
			if err := json.Unmarshal(msg, &in); err != nil {
				r.logger.Warn("invalid envelope from hub", "err", err)
				continue
			}
			if in.Type != protocol.TypeSighting {
				continue
			}
			var s protocol.Sighting
			if err := in.DecodePayload(&s); err != nil {
				r.logger.Warn("bad sighting payload", "err", err)
				continue
			}
			select {
			case ch <- discovery.Sighting{
				Addr:       s.Addr,
				Name:       s.Name,
				ServiceTag: s.ServiceTag,
				RSSI:       s.RSSI,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (r *Radio) ReadBlob(ctx context.Context, addr string) ([]byte, error) {
	conn, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	env, err := protocol.NewEnvelope(protocol.TypeBlobRequest, protocol.BlobRequest{Addr: addr})
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return nil, fmt.Errorf("send blob request: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var in protocol.Envelope
		if err := conn.ReadJSON(&in); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read blob reply: %w", err)
		}
		if in.Type != protocol.TypeBlobReply {
			continue
		}
		var reply protocol.BlobReply
		if err := in.DecodePayload(&reply); err != nil {
			return nil, fmt.Errorf("bad blob reply: %w", err)
		}
		if reply.Err != "" {
			return nil, fmt.Errorf("read blob from %s: %s", addr, reply.Err)
		}
		return reply.Blob, nil
	}
}

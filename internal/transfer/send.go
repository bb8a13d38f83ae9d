package transfer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nearbeam/nearbeam/internal/transport"
	"github.com/nearbeam/nearbeam/pkg/manifest"
)

// Send streams the manifest and every file over conn. paths must align
// one-to-one with m.Entries. Send returns only after the receiver's final
// acknowledgement, so a nil error means the peer verified everything.
func (s *Session) Send(ctx context.Context, conn transport.Conn, m manifest.Manifest, paths []string) error {
	if len(paths) != len(m.Entries) {
		return s.fail(fmt.Errorf("%d paths for %d manifest entries", len(paths), len(m.Entries)))
	}

	s.setState(StateManifestExchange)
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return s.fail(streamErr(err))
	}
	defer stream.Close()

	if err := s.sendManifest(stream, m); err != nil {
		return s.fail(err)
	}

	status, err := readAck(stream)
	if err != nil {
		return s.fail(err)
	}
	if err := ackStatusErr(status); err != nil {
		return s.fail(err)
	}

	s.setState(StateStreaming)
	var sessionBytes int64
	for i, entry := range m.Entries {
		if err := ctx.Err(); err != nil {
			return s.fail(err)
		}
		if err := s.sendFile(ctx, stream, i, entry, paths[i], &sessionBytes, m.TotalBytes); err != nil {
			return s.fail(s.streamingVerdict(stream, err))
		}
	}

	if err := writeFull(stream, []byte{recordTypeEnd}); err != nil {
		return s.fail(s.streamingVerdict(stream, err))
	}

	s.setState(StateFinalizing)
	status, err = readAck(stream)
	if err != nil {
		return s.fail(err)
	}
	if err := ackStatusErr(status); err != nil {
		return s.fail(err)
	}
	if err := writeAck(stream, statusOK); err != nil {
		return s.fail(err)
	}
	if err := stream.CloseWrite(); err != nil {
		return s.fail(streamErr(err))
	}

	s.setState(StateComplete)
	s.logger.Info("send complete", "files", len(m.Entries), "bytes", m.TotalBytes)
	return nil
}

// streamingVerdict resolves a mid-stream write failure. A receiver that
// rejects a file writes its verdict ack and tears the stream down, which the
// sender first sees as a dead write; the verdict is still readable on the
// other direction of the stream. If one is pending, report it instead of
// the bare connection loss. Only stream loss qualifies: a local failure
// means the peer wrote no verdict and the read would hang.
func (s *Session) streamingVerdict(stream transport.Stream, err error) error {
	if !errors.Is(err, ErrConnectionLost) {
		return err
	}
	status, ackErr := readAck(stream)
	if ackErr != nil {
		return err
	}
	if verdict := ackStatusErr(status); verdict != nil {
		return verdict
	}
	return err
}

func (s *Session) sendManifest(stream transport.Stream, m manifest.Manifest) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	manifestJSON, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeFull(stream, []byte(manifestMagic)); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(manifestJSON)))
	if err := writeFull(stream, lenBuf[:]); err != nil {
		return err
	}
	return writeFull(stream, manifestJSON)
}

// sendFile re-stats the file before streaming: the manifest's declared size
// is a commitment, and a file that changed since manifest build aborts the
// session rather than sending a silently padded or clipped payload.
func (s *Session) sendFile(ctx context.Context, stream transport.Stream, index int, entry manifest.Entry, path string, sessionBytes *int64, totalBytes int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() != entry.Size {
		return fmt.Errorf("%w: %s is %d bytes, manifest declared %d",
			ErrTruncatedTransfer, entry.Name, info.Size(), entry.Size)
	}

	if err := writeFileHeader(stream, uint32(index), uint64(entry.Size)); err != nil {
		return err
	}

	var sent int64
	buf := make([]byte, chunkSize)
	for sent < entry.Size {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := entry.Size - sent
		if want > chunkSize {
			want = chunkSize
		}
		n, rerr := f.Read(buf[:want])
		if n > 0 {
			if err := writeFull(stream, buf[:n]); err != nil {
				return err
			}
			sent += int64(n)
			*sessionBytes += int64(n)
			s.emit(Progress{
				FileIndex:    index,
				FileBytes:    sent,
				SessionBytes: *sessionBytes,
				TotalBytes:   totalBytes,
			}, false)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read %s: %w", path, rerr)
		}
	}
	if sent != entry.Size {
		return fmt.Errorf("%w: %s shrank mid-stream (%d of %d bytes)",
			ErrTruncatedTransfer, entry.Name, sent, entry.Size)
	}

	s.emit(Progress{
		FileIndex:    index,
		FileBytes:    sent,
		SessionBytes: *sessionBytes,
		TotalBytes:   totalBytes,
	}, true)
	return nil
}

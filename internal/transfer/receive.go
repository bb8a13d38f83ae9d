package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nearbeam/nearbeam/internal/transport"
	"github.com/nearbeam/nearbeam/pkg/manifest"
)

// Receive accepts the sender's stream, validates the manifest, and writes
// each file into destDir. Every file is staged as "<name>.part" and renamed
// only after its byte count and checksum verify; a failed session leaves
// the partial file behind. The returned manifest is the one the sender
// declared.
func (s *Session) Receive(ctx context.Context, conn transport.Conn, destDir string) (manifest.Manifest, error) {
	var m manifest.Manifest

	s.setState(StateManifestExchange)
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return m, s.fail(streamErr(err))
	}
	defer stream.Close()

	m, err = s.recvManifest(stream)
	if err != nil {
		if errors.Is(err, ErrManifestInvalid) {
			// Best effort; the sender is told why the session dies.
			_ = writeAck(stream, statusManifestInvalid)
		}
		return m, s.fail(err)
	}
	if err := writeAck(stream, statusOK); err != nil {
		return m, s.fail(err)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return m, s.fail(fmt.Errorf("create destination %s: %w", destDir, err))
	}

	s.setState(StateStreaming)
	received := make([]bool, len(m.Entries))
	var sessionBytes int64

	for {
		if err := ctx.Err(); err != nil {
			return m, s.fail(err)
		}

		var recordType [1]byte
		if err := readFull(stream, recordType[:]); err != nil {
			return m, s.fail(err)
		}
		if recordType[0] == recordTypeEnd {
			break
		}
		if recordType[0] != recordTypeFile {
			return m, s.fail(fmt.Errorf("%w: unexpected record type 0x%02x", ErrConnectionLost, recordType[0]))
		}

		var header [12]byte
		if err := readFull(stream, header[:]); err != nil {
			return m, s.fail(err)
		}
		index := binary.BigEndian.Uint32(header[0:4])
		size := binary.BigEndian.Uint64(header[4:12])

		if int(index) >= len(m.Entries) {
			return m, s.fail(fmt.Errorf("%w: file index %d out of range", ErrConnectionLost, index))
		}
		if received[index] {
			return m, s.fail(fmt.Errorf("%w: file index %d sent twice", ErrConnectionLost, index))
		}
		entry := m.Entries[index]
		if size != uint64(entry.Size) {
			return m, s.fail(fmt.Errorf("%w: %s framed as %d bytes, manifest declared %d",
				ErrTruncatedTransfer, entry.Name, size, entry.Size))
		}

		if err := s.recvFile(ctx, stream, int(index), entry, destDir, &sessionBytes, m.TotalBytes); err != nil {
			if errors.Is(err, ErrChecksumMismatch) {
				_ = writeAck(stream, statusChecksum)
			}
			return m, s.fail(err)
		}
		received[index] = true
	}

	for i, ok := range received {
		if !ok {
			return m, s.fail(fmt.Errorf("%w: %s never arrived", ErrTruncatedTransfer, m.Entries[i].Name))
		}
	}

	s.setState(StateFinalizing)
	if err := writeAck(stream, statusOK); err != nil {
		return m, s.fail(err)
	}
	status, err := readAck(stream)
	if err != nil {
		return m, s.fail(err)
	}
	if err := ackStatusErr(status); err != nil {
		return m, s.fail(err)
	}

	s.setState(StateComplete)
	s.logger.Info("receive complete", "files", len(m.Entries), "bytes", m.TotalBytes, "dest", destDir)
	return m, nil
}

func (s *Session) recvManifest(stream transport.Stream) (manifest.Manifest, error) {
	var m manifest.Manifest

	magic := make([]byte, len(manifestMagic))
	if err := readFull(stream, magic); err != nil {
		return m, err
	}
	if string(magic) != manifestMagic {
		return m, fmt.Errorf("%w: bad manifest frame", ErrManifestInvalid)
	}

	var lenBuf [4]byte
	if err := readFull(stream, lenBuf[:]); err != nil {
		return m, err
	}
	manifestLen := binary.BigEndian.Uint32(lenBuf[:])
	if manifestLen == 0 || manifestLen > maxManifestJSON {
		return m, fmt.Errorf("%w: manifest frame of %d bytes", ErrManifestInvalid, manifestLen)
	}

	manifestJSON := make([]byte, manifestLen)
	if err := readFull(stream, manifestJSON); err != nil {
		return m, err
	}
	if err := json.Unmarshal(manifestJSON, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return m, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	return m, nil
}

func (s *Session) recvFile(ctx context.Context, stream transport.Stream, index int, entry manifest.Entry, destDir string, sessionBytes *int64, totalBytes int64) error {
	partPath := filepath.Join(destDir, entry.Name+".part")
	finalPath := filepath.Join(destDir, entry.Name)

	f, err := os.OpenFile(partPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", partPath, err)
	}

	hash := sha256.New()
	buf := make([]byte, chunkSize)
	var got int64
	for got < entry.Size {
		if err := ctx.Err(); err != nil {
			f.Close()
			return err
		}
		want := entry.Size - got
		if want > chunkSize {
			want = chunkSize
		}
		if err := readFull(stream, buf[:want]); err != nil {
			f.Close()
			return err
		}
		if _, err := f.Write(buf[:want]); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", partPath, err)
		}
		hash.Write(buf[:want])
		got += want
		*sessionBytes += want
		s.emit(Progress{
			FileIndex:    index,
			FileBytes:    got,
			SessionBytes: *sessionBytes,
			TotalBytes:   totalBytes,
		}, false)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", partPath, err)
	}

	if entry.SHA256 != "" {
		sum := hex.EncodeToString(hash.Sum(nil))
		if sum != entry.SHA256 {
			return fmt.Errorf("%w: %s", ErrChecksumMismatch, entry.Name)
		}
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		return fmt.Errorf("finalize %s: %w", entry.Name, err)
	}

	s.emit(Progress{
		FileIndex:    index,
		FileBytes:    got,
		SessionBytes: *sessionBytes,
		TotalBytes:   totalBytes,
	}, true)
	return nil
}

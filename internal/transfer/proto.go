// Wire protocol, one bidirectional stream per session:
//
//	sender -> receiver:  "NBM1" | u32 manifest JSON length | manifest JSON
//	receiver -> sender:  "NBA1" | status byte (manifest verdict)
//	sender -> receiver:  per file: 0x02 | u32 entry index | u64 size | bytes
//	sender -> receiver:  0xFF end record
//	receiver -> sender:  "NBA1" | status byte (session verdict)
//	sender -> receiver:  "NBA1" | 0x00
//
// All integers are big endian. Files stream in manifest order; the entry
// index in each record is authoritative, so a record is matched to its
// manifest entry by index rather than by arrival position.
package transfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	manifestMagic = "NBM1"
	ackMagic      = "NBA1"

	recordTypeFile = byte(0x02)
	recordTypeEnd  = byte(0xFF)

	statusOK              = byte(0x00)
	statusManifestInvalid = byte(0x01)
	statusChecksum        = byte(0x02)
	statusFailed          = byte(0x03)

	// chunkSize is the streaming copy buffer.
	chunkSize = 64 * 1024

	// maxManifestJSON bounds the manifest frame a receiver will buffer.
	maxManifestJSON = 1 << 20
)

// streamErr classifies a stream I/O error into the transfer taxonomy.
// Premature EOF means the peer stopped mid-frame; anything else is a lost
// connection. Context errors pass through untouched.
func streamErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrTruncatedTransfer, err)
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

func writeFull(w io.Writer, buf []byte) error {
	if _, err := w.Write(buf); err != nil {
		return streamErr(err)
	}
	return nil
}

func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return streamErr(err)
	}
	return nil
}

func writeAck(w io.Writer, status byte) error {
	frame := append([]byte(ackMagic), status)
	return writeFull(w, frame)
}

func readAck(r io.Reader) (byte, error) {
	buf := make([]byte, len(ackMagic)+1)
	if err := readFull(r, buf); err != nil {
		return 0, err
	}
	if string(buf[:len(ackMagic)]) != ackMagic {
		return 0, fmt.Errorf("%w: bad ack frame", ErrConnectionLost)
	}
	return buf[len(ackMagic)], nil
}

// ackStatusErr maps a peer-reported failure status onto the local taxonomy.
func ackStatusErr(status byte) error {
	switch status {
	case statusOK:
		return nil
	case statusManifestInvalid:
		return fmt.Errorf("%w: rejected by receiver", ErrManifestInvalid)
	case statusChecksum:
		return fmt.Errorf("%w: reported by receiver", ErrChecksumMismatch)
	default:
		return fmt.Errorf("%w: receiver reported failure (status 0x%02x)", ErrConnectionLost, status)
	}
}

func writeFileHeader(w io.Writer, index uint32, size uint64) error {
	var header [13]byte
	header[0] = recordTypeFile
	binary.BigEndian.PutUint32(header[1:5], index)
	binary.BigEndian.PutUint64(header[5:13], size)
	return writeFull(w, header[:])
}

package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nearbeam/nearbeam/internal/identity"
	"github.com/nearbeam/nearbeam/internal/transport"
	"github.com/nearbeam/nearbeam/pkg/manifest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testIDs() ([identity.Size]byte, [identity.Size]byte) {
	var a, b [identity.Size]byte
	a[0], b[0] = 1, 2
	return a, b
}

func writeTestFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p, data
}

func TestSendReceiveComplete(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	pathA, dataA := writeTestFile(t, srcDir, "a.bin", 200*1024)
	pathB, dataB := writeTestFile(t, srcDir, "b.txt", 37)

	m, err := manifest.BuildFromPaths([]string{pathA, pathB})
	if err != nil {
		t.Fatal(err)
	}

	idA, idB := testIDs()
	connA, connB := NewMockConnPair(idA, idB)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var mu sync.Mutex
	var last Progress
	recvSession := NewSession(testLogger(), func(p Progress) {
		mu.Lock()
		last = p
		mu.Unlock()
	})
	sendSession := NewSession(testLogger(), nil)

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- sendSession.Send(ctx, connA, m, []string{pathA, pathB})
	}()

	got, err := recvSession.Receive(ctx, connB, destDir)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("send: %v", err)
	}

	if sendSession.State() != StateComplete || recvSession.State() != StateComplete {
		t.Fatalf("states: send=%v recv=%v", sendSession.State(), recvSession.State())
	}
	if len(got.Entries) != 2 || got.TotalBytes != m.TotalBytes {
		t.Fatalf("returned manifest mismatch: %+v", got)
	}

	for name, want := range map[string][]byte{"a.bin": dataA, "b.txt": dataB} {
		data, err := os.ReadFile(filepath.Join(destDir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !bytes.Equal(data, want) {
			t.Fatalf("%s: content mismatch", name)
		}
		if _, err := os.Stat(filepath.Join(destDir, name+".part")); !os.IsNotExist(err) {
			t.Fatalf("%s.part left behind after success", name)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if last.SessionBytes != m.TotalBytes {
		t.Fatalf("final progress reported %d of %d bytes", last.SessionBytes, m.TotalBytes)
	}
}

// driveManifest plays the sender's opening exchange by hand and returns the
// stream plus the receiver's manifest verdict.
func driveManifest(t *testing.T, ctx context.Context, conn transport.Conn, m manifest.Manifest) (transport.Stream, byte) {
	t.Helper()
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	manifestJSON, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Write([]byte(manifestMagic)); err != nil {
		t.Fatal(err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(manifestJSON)))
	if _, err := stream.Write(lenBuf[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Write(manifestJSON); err != nil {
		t.Fatal(err)
	}
	status, err := readAck(stream)
	if err != nil {
		t.Fatalf("read manifest ack: %v", err)
	}
	return stream, status
}

func TestReceiveTruncated(t *testing.T) {
	destDir := t.TempDir()
	idA, idB := testIDs()
	connA, connB := NewMockConnPair(idA, idB)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload := []byte(strings.Repeat("x", 100))
	m := manifest.Manifest{
		Entries:    []manifest.Entry{{Name: "cut.bin", Size: 100}},
		TotalBytes: 100,
	}

	recvSession := NewSession(testLogger(), nil)
	recvErr := make(chan error, 1)
	go func() {
		_, err := recvSession.Receive(ctx, connB, destDir)
		recvErr <- err
	}()

	stream, status := driveManifest(t, ctx, connA, m)
	if status != statusOK {
		t.Fatalf("manifest rejected: status 0x%02x", status)
	}
	if err := writeFileHeader(stream, 0, 100); err != nil {
		t.Fatal(err)
	}
	// 40 of the promised 100 bytes, then the stream dies.
	if _, err := stream.Write(payload[:40]); err != nil {
		t.Fatal(err)
	}
	stream.Close()

	err := <-recvErr
	if !errors.Is(err, ErrTruncatedTransfer) {
		t.Fatalf("expected ErrTruncatedTransfer, got %v", err)
	}
	if recvSession.State() != StateFailed {
		t.Fatalf("state = %v", recvSession.State())
	}

	if _, err := os.Stat(filepath.Join(destDir, "cut.bin.part")); err != nil {
		t.Fatalf("expected staged .part file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(destDir, "cut.bin")); !os.IsNotExist(err) {
		t.Fatal("final file must not exist after truncation")
	}
}

func TestReceiveChecksumMismatch(t *testing.T) {
	destDir := t.TempDir()
	idA, idB := testIDs()
	connA, connB := NewMockConnPair(idA, idB)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload := []byte(strings.Repeat("y", 64))
	m := manifest.Manifest{
		Entries: []manifest.Entry{{
			Name:   "forged.bin",
			Size:   64,
			SHA256: strings.Repeat("00", 32),
		}},
		TotalBytes: 64,
	}

	recvSession := NewSession(testLogger(), nil)
	recvErr := make(chan error, 1)
	go func() {
		_, err := recvSession.Receive(ctx, connB, destDir)
		recvErr <- err
	}()

	stream, status := driveManifest(t, ctx, connA, m)
	if status != statusOK {
		t.Fatalf("manifest rejected: status 0x%02x", status)
	}
	if err := writeFileHeader(stream, 0, 64); err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Write(payload); err != nil {
		t.Fatal(err)
	}

	// The receiver reports the mismatch before tearing down.
	status, err := readAck(stream)
	if err != nil {
		t.Fatalf("read verdict: %v", err)
	}
	if status != statusChecksum {
		t.Fatalf("expected checksum status, got 0x%02x", status)
	}

	if err := <-recvErr; !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(destDir, "forged.bin.part")); err != nil {
		t.Fatalf("expected staged .part file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(destDir, "forged.bin")); !os.IsNotExist(err) {
		t.Fatal("final file must not exist after checksum mismatch")
	}
}

func TestReceiveManifestInvalid(t *testing.T) {
	destDir := t.TempDir()
	idA, idB := testIDs()
	connA, connB := NewMockConnPair(idA, idB)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m := manifest.Manifest{
		Entries: []manifest.Entry{
			{Name: "dup.txt", Size: 1},
			{Name: "dup.txt", Size: 1},
		},
		TotalBytes: 2,
	}

	recvSession := NewSession(testLogger(), nil)
	recvErr := make(chan error, 1)
	go func() {
		_, err := recvSession.Receive(ctx, connB, destDir)
		recvErr <- err
	}()

	_, status := driveManifest(t, ctx, connA, m)
	if status != statusManifestInvalid {
		t.Fatalf("expected manifest-invalid status, got 0x%02x", status)
	}
	if err := <-recvErr; !errors.Is(err, ErrManifestInvalid) {
		t.Fatalf("expected ErrManifestInvalid, got %v", err)
	}
}

func TestSendFileChanged(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	path, _ := writeTestFile(t, srcDir, "volatile.bin", 4096)

	m, err := manifest.BuildFromPaths([]string{path})
	if err != nil {
		t.Fatal(err)
	}

	// File shrinks after the manifest committed to 4096 bytes.
	if err := os.Truncate(path, 1000); err != nil {
		t.Fatal(err)
	}

	idA, idB := testIDs()
	connA, connB := NewMockConnPair(idA, idB)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	go func() {
		recv := NewSession(testLogger(), nil)
		recv.Receive(ctx, connB, destDir)
	}()

	sendSession := NewSession(testLogger(), nil)
	err = sendSession.Send(ctx, connA, m, []string{path})
	if !errors.Is(err, ErrTruncatedTransfer) {
		t.Fatalf("expected ErrTruncatedTransfer, got %v", err)
	}
	if sendSession.State() != StateFailed {
		t.Fatalf("state = %v", sendSession.State())
	}
	connA.Close()
}

// A receiver that rejects a file mid-session writes its verdict and tears
// the stream down while the sender is still streaming. The sender must
// surface the verdict, not the dead stream it trips over first.
func TestSendSeesMidStreamVerdict(t *testing.T) {
	srcDir := t.TempDir()
	pathA, _ := writeTestFile(t, srcDir, "first.bin", 1024)
	pathB, _ := writeTestFile(t, srcDir, "second.bin", 4096)

	m, err := manifest.BuildFromPaths([]string{pathA, pathB})
	if err != nil {
		t.Fatal(err)
	}

	idA, idB := testIDs()
	connA, connB := NewMockConnPair(idA, idB)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sendSession := NewSession(testLogger(), nil)
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- sendSession.Send(ctx, connA, m, []string{pathA, pathB})
	}()

	stream, err := connB.AcceptStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ds := stream.(*mockStream)

	// Play the receiver up through the first file.
	header := make([]byte, len(manifestMagic)+4)
	if err := readFull(ds, header); err != nil {
		t.Fatalf("read manifest header: %v", err)
	}
	manifestJSON := make([]byte, binary.BigEndian.Uint32(header[len(manifestMagic):]))
	if err := readFull(ds, manifestJSON); err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if err := writeAck(ds, statusOK); err != nil {
		t.Fatal(err)
	}
	fileFrame := make([]byte, 13+1024)
	if err := readFull(ds, fileFrame); err != nil {
		t.Fatalf("read first file: %v", err)
	}

	// Reject the first file and stop reading; the verdict stays pending
	// while the sender's writes start failing.
	ackDone := make(chan error, 1)
	go func() {
		ackDone <- writeAck(ds, statusChecksum)
	}()
	ds.r.Close()

	if err := <-sendErr; !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	if err := <-ackDone; err != nil {
		t.Fatalf("verdict never drained: %v", err)
	}
	if sendSession.State() != StateFailed {
		t.Fatalf("state = %v", sendSession.State())
	}
}

func TestSendManifestInvalidLocally(t *testing.T) {
	idA, idB := testIDs()
	connA, _ := NewMockConnPair(idA, idB)

	m := manifest.Manifest{
		Entries:    []manifest.Entry{{Name: "../evil", Size: 1}},
		TotalBytes: 1,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := NewSession(testLogger(), nil)
	err := s.Send(ctx, connA, m, []string{"ignored"})
	if !errors.Is(err, ErrManifestInvalid) {
		t.Fatalf("expected ErrManifestInvalid, got %v", err)
	}
}

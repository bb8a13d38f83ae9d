package transfer

import "errors"

var (
	// ErrManifestInvalid indicates the received manifest failed validation
	// or the manifest frame itself was unreadable.
	ErrManifestInvalid = errors.New("manifest invalid")
	// ErrTruncatedTransfer indicates a byte-count mismatch: the stream
	// ended early, or a file no longer matches its declared size.
	ErrTruncatedTransfer = errors.New("truncated transfer")
	// ErrConnectionLost indicates an I/O failure on the transport stream.
	ErrConnectionLost = errors.New("connection lost")
	// ErrChecksumMismatch indicates a received file failed SHA-256
	// verification.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

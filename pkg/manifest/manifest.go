// Package manifest describes the set of files offered in a transfer session.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// MaxFileSize caps a single entry.
	MaxFileSize = 100 * 1024 * 1024
	// MaxTotalSize caps the whole session.
	MaxTotalSize = 500 * 1024 * 1024

	maxNameLength = 256
	hashBufSize   = 64 * 1024
)

var (
	ErrInvalidName   = errors.New("invalid file name")
	ErrDuplicateName = errors.New("duplicate file name")
	ErrFileTooLarge  = errors.New("file exceeds size limit")
	ErrTotalTooLarge = errors.New("total size exceeds limit")
)

// Entry is one offered file. Name is a bare file name with no path
// components; Size is the byte count the sender commits to streaming.
type Entry struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
}

// Manifest lists the offered files in transfer order.
type Manifest struct {
	Entries    []Entry `json:"entries"`
	TotalBytes int64   `json:"total_bytes"`
}

// BuildFromPaths stats and hashes each path, preserving argument order.
// Only regular files are accepted. The resulting manifest is validated
// before being returned.
func BuildFromPaths(paths []string) (Manifest, error) {
	var m Manifest
	if len(paths) == 0 {
		return m, errors.New("no files given")
	}

	m.Entries = make([]Entry, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return Manifest{}, fmt.Errorf("stat %s: %w", p, err)
		}
		if !info.Mode().IsRegular() {
			return Manifest{}, fmt.Errorf("%s: not a regular file", p)
		}

		name := filepath.Base(p)
		if err := ValidateName(name); err != nil {
			return Manifest{}, fmt.Errorf("%s: %w", p, err)
		}
		if info.Size() > MaxFileSize {
			return Manifest{}, fmt.Errorf("%s (%d bytes): %w", p, info.Size(), ErrFileTooLarge)
		}

		sum, err := hashFile(p)
		if err != nil {
			return Manifest{}, fmt.Errorf("hash %s: %w", p, err)
		}

		m.Entries = append(m.Entries, Entry{Name: name, Size: info.Size(), SHA256: sum})
		m.TotalBytes += info.Size()
	}

	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate checks structural sanity: at least one entry, valid unique names,
// sane sizes, well-formed checksums, and a consistent total. It is applied
// to both locally built and remotely received manifests.
func (m Manifest) Validate() error {
	if len(m.Entries) == 0 {
		return errors.New("manifest has no entries")
	}

	seen := make(map[string]struct{}, len(m.Entries))
	var total int64
	for i, e := range m.Entries {
		if err := ValidateName(e.Name); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("entry %d (%s): %w", i, e.Name, ErrDuplicateName)
		}
		seen[e.Name] = struct{}{}

		if e.Size < 0 {
			return fmt.Errorf("entry %d (%s): negative size %d", i, e.Name, e.Size)
		}
		if e.Size > MaxFileSize {
			return fmt.Errorf("entry %d (%s): %w", i, e.Name, ErrFileTooLarge)
		}
		if e.SHA256 != "" && len(e.SHA256) != sha256.Size*2 {
			return fmt.Errorf("entry %d (%s): malformed checksum", i, e.Name)
		}
		total += e.Size
	}

	if total != m.TotalBytes {
		return fmt.Errorf("total_bytes %d does not match entry sum %d", m.TotalBytes, total)
	}
	if total > MaxTotalSize {
		return fmt.Errorf("%d bytes: %w", total, ErrTotalTooLarge)
	}
	return nil
}

// ValidateName rejects names that are empty, overly long, or could escape
// the destination directory.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidName
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name too long (%d bytes)", ErrInvalidName, len(name))
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: name contains path separator", ErrInvalidName)
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashBufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestBuildFromPaths(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", []byte("hello nearby world"))
	b := writeFile(t, dir, "b.bin", make([]byte, 4096))

	m, err := BuildFromPaths([]string{a, b})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if len(m.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(m.Entries))
	}
	if m.Entries[0].Name != "a.txt" || m.Entries[1].Name != "b.bin" {
		t.Fatalf("order not preserved: %+v", m.Entries)
	}
	if m.TotalBytes != 18+4096 {
		t.Fatalf("total bytes = %d", m.TotalBytes)
	}

	sum := sha256.Sum256([]byte("hello nearby world"))
	if m.Entries[0].SHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum mismatch: %s", m.Entries[0].SHA256)
	}
}

func TestBuildFromPathsErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := BuildFromPaths(nil); err == nil {
		t.Fatal("expected error for empty path list")
	}
	if _, err := BuildFromPaths([]string{filepath.Join(dir, "missing")}); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := BuildFromPaths([]string{dir}); err == nil {
		t.Fatal("expected error for directory path")
	}

	p := writeFile(t, dir, "dup.txt", []byte("x"))
	if _, err := BuildFromPaths([]string{p, p}); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	goodSum := hex.EncodeToString(make([]byte, sha256.Size))

	cases := []struct {
		name string
		m    Manifest
		want error
	}{
		{
			name: "empty",
			m:    Manifest{},
			want: errors.New("any"),
		},
		{
			name: "duplicate names",
			m: Manifest{
				Entries:    []Entry{{Name: "x", Size: 1}, {Name: "x", Size: 1}},
				TotalBytes: 2,
			},
			want: ErrDuplicateName,
		},
		{
			name: "bad name",
			m: Manifest{
				Entries:    []Entry{{Name: "../escape", Size: 1}},
				TotalBytes: 1,
			},
			want: ErrInvalidName,
		},
		{
			name: "negative size",
			m: Manifest{
				Entries:    []Entry{{Name: "x", Size: -1}},
				TotalBytes: -1,
			},
			want: errors.New("any"),
		},
		{
			name: "file too large",
			m: Manifest{
				Entries:    []Entry{{Name: "x", Size: MaxFileSize + 1}},
				TotalBytes: MaxFileSize + 1,
			},
			want: ErrFileTooLarge,
		},
		{
			name: "total mismatch",
			m: Manifest{
				Entries:    []Entry{{Name: "x", Size: 10}},
				TotalBytes: 11,
			},
			want: errors.New("any"),
		},
		{
			name: "ok",
			m: Manifest{
				Entries:    []Entry{{Name: "x", Size: 10, SHA256: goodSum}},
				TotalBytes: 10,
			},
			want: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.m.Validate()
			if tc.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			// Sentinel cases also assert the wrapped value.
			if tc.want != nil && tc.want.Error() != "any" && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateTotalTooLarge(t *testing.T) {
	entries := make([]Entry, 6)
	var total int64
	for i := range entries {
		entries[i] = Entry{Name: string(rune('a' + i)), Size: MaxFileSize}
		total += MaxFileSize
	}
	m := Manifest{Entries: entries, TotalBytes: total}
	if err := m.Validate(); !errors.Is(err, ErrTotalTooLarge) {
		t.Fatalf("expected ErrTotalTooLarge, got %v", err)
	}
}

func TestValidateName(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`} {
		if err := ValidateName(bad); !errors.Is(err, ErrInvalidName) {
			t.Errorf("%q: expected ErrInvalidName, got %v", bad, err)
		}
	}
	if err := ValidateName("report final (2).pdf"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

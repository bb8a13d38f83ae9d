package policy

import (
	"testing"

	"github.com/nearbeam/nearbeam/pkg/ticket"
)

func TestChooseProtocol(t *testing.T) {
	cases := []struct {
		name       string
		fileCount  int
		totalBytes int64
		want       ticket.Protocol
	}{
		{"single tiny file", 1, 34, ticket.ProtocolQUIC},
		{"many large files", 6, 500_000_000, ticket.ProtocolQUIC},
		{"few large files", 2, 200_000_000, ticket.ProtocolTCP},
		{"five files large", 5, 150_000_000, ticket.ProtocolTCP},
		{"six files large", 6, 150_000_000, ticket.ProtocolQUIC},
		{"just under bulk threshold", 1, 99_999_999, ticket.ProtocolQUIC},
		{"at bulk threshold", 1, 100_000_000, ticket.ProtocolTCP},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ChooseProtocol(tc.fileCount, tc.totalBytes); got != tc.want {
				t.Fatalf("ChooseProtocol(%d, %d) = %v, want %v",
					tc.fileCount, tc.totalBytes, got, tc.want)
			}
		})
	}
}

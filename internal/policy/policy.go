// Package policy picks the stream transport for a session.
package policy

import "github.com/nearbeam/nearbeam/pkg/ticket"

const (
	manyFilesThreshold = 5
	largeBulkBytes     = 100_000_000
)

// ChooseProtocol selects QUIC for many small files (stream multiplexing and
// cheaper handshakes win) and TCP for a few large ones (sustained bulk
// throughput wins). The decision is made once, before the listener binds,
// and is carried to the receiver inside the ticket.
func ChooseProtocol(fileCount int, totalBytes int64) ticket.Protocol {
	if fileCount > manyFilesThreshold || totalBytes < largeBulkBytes {
		return ticket.ProtocolQUIC
	}
	return ticket.ProtocolTCP
}

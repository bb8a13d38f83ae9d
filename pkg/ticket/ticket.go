package ticket

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
)

const (
	// Version is the ticket wire format version.
	Version = byte(1)

	// MaxEncodedSize bounds the encoded blob so it fits a single read of the
	// discovery channel's characteristic.
	MaxEncodedSize = 512

	// IdentitySize is the length of a peer identity fingerprint in bytes.
	IdentitySize = 32

	maxHostLength = 255
	maxEndpoints  = 16

	// Fixed-size portion: version + protocol + identity + nonce + endpoint count.
	headerSize = 1 + 1 + IdentitySize + 8 + 1
)

// Protocol identifies the stream transport a ticket advertises.
type Protocol byte

const (
	// ProtocolQUIC selects the QUIC transport (multiplexing, low latency).
	ProtocolQUIC Protocol = 0x01
	// ProtocolTCP selects the TLS-over-TCP transport (few large files).
	ProtocolTCP Protocol = 0x02
)

// Valid reports whether p is a known protocol tag.
func (p Protocol) Valid() bool {
	return p == ProtocolQUIC || p == ProtocolTCP
}

func (p Protocol) String() string {
	switch p {
	case ProtocolQUIC:
		return "quic"
	case ProtocolTCP:
		return "tcp"
	default:
		return fmt.Sprintf("protocol(0x%02x)", byte(p))
	}
}

// Endpoint is one reachable (host, port) pair for the sender's listener.
type Endpoint struct {
	Host string
	Port uint16
}

// String formats the endpoint as host:port, bracketing IPv6 hosts.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// SessionTicket carries everything a receiver needs to dial a sender: the
// transport to use, the sender's identity fingerprint to verify during the
// handshake, and one or more reachable endpoints. It is constructed once by
// the sender after its listener is bound and never mutated afterwards.
type SessionTicket struct {
	Protocol  Protocol
	SenderID  [IdentitySize]byte
	Nonce     uint64
	Endpoints []Endpoint
}

// SenderHex returns the sender identity as a lowercase hex string.
func (t SessionTicket) SenderHex() string {
	return hex.EncodeToString(t.SenderID[:])
}

var (
	// ErrTicketTooLarge indicates the encoded ticket would exceed MaxEncodedSize.
	ErrTicketTooLarge = errors.New("ticket too large")
	// ErrTicketMalformed indicates the blob is truncated, has an unknown
	// version, or carries an invalid protocol tag.
	ErrTicketMalformed = errors.New("ticket malformed")
)

// Encode serializes the ticket into a versioned, length-prefixed binary blob.
//
// Layout after a big-endian uint16 length prefix (length of the remainder):
//
//	version(1) protocol(1) senderID(32) nonce(8) endpointCount(1)
//	then per endpoint: hostLen(1) host(hostLen) port(2)
func Encode(t SessionTicket) ([]byte, error) {
	if !t.Protocol.Valid() {
		return nil, fmt.Errorf("encode ticket: invalid protocol tag 0x%02x", byte(t.Protocol))
	}
	if len(t.Endpoints) == 0 {
		return nil, fmt.Errorf("encode ticket: no endpoints")
	}
	if len(t.Endpoints) > maxEndpoints {
		return nil, ErrTicketTooLarge
	}

	body := make([]byte, 0, headerSize)
	body = append(body, Version, byte(t.Protocol))
	body = append(body, t.SenderID[:]...)
	body = binary.BigEndian.AppendUint64(body, t.Nonce)
	body = append(body, byte(len(t.Endpoints)))

	for _, ep := range t.Endpoints {
		if ep.Host == "" {
			return nil, fmt.Errorf("encode ticket: empty endpoint host")
		}
		if len(ep.Host) > maxHostLength {
			return nil, fmt.Errorf("encode ticket: host too long (%d bytes)", len(ep.Host))
		}
		body = append(body, byte(len(ep.Host)))
		body = append(body, ep.Host...)
		body = binary.BigEndian.AppendUint16(body, ep.Port)
	}

	if 2+len(body) > MaxEncodedSize {
		return nil, ErrTicketTooLarge
	}

	blob := make([]byte, 0, 2+len(body))
	blob = binary.BigEndian.AppendUint16(blob, uint16(len(body)))
	blob = append(blob, body...)
	return blob, nil
}

// Decode is the exact inverse of Encode. It rejects truncated input, unknown
// versions, invalid protocol tags, and trailing garbage.
func Decode(blob []byte) (SessionTicket, error) {
	var t SessionTicket

	if len(blob) < 2 {
		return t, fmt.Errorf("%w: missing length prefix", ErrTicketMalformed)
	}
	bodyLen := int(binary.BigEndian.Uint16(blob))
	body := blob[2:]
	if len(body) != bodyLen {
		return t, fmt.Errorf("%w: length prefix %d does not match body length %d", ErrTicketMalformed, bodyLen, len(body))
	}
	if len(body) < headerSize {
		return t, fmt.Errorf("%w: truncated header", ErrTicketMalformed)
	}

	if body[0] != Version {
		return t, fmt.Errorf("%w: unknown version %d", ErrTicketMalformed, body[0])
	}
	t.Protocol = Protocol(body[1])
	if !t.Protocol.Valid() {
		return t, fmt.Errorf("%w: invalid protocol tag 0x%02x", ErrTicketMalformed, body[1])
	}
	copy(t.SenderID[:], body[2:2+IdentitySize])
	t.Nonce = binary.BigEndian.Uint64(body[2+IdentitySize:])
	count := int(body[headerSize-1])
	if count == 0 {
		return t, fmt.Errorf("%w: no endpoints", ErrTicketMalformed)
	}

	rest := body[headerSize:]
	t.Endpoints = make([]Endpoint, 0, count)
	for i := 0; i < count; i++ {
		if len(rest) < 1 {
			return t, fmt.Errorf("%w: truncated endpoint %d", ErrTicketMalformed, i)
		}
		hostLen := int(rest[0])
		rest = rest[1:]
		if hostLen == 0 {
			return t, fmt.Errorf("%w: empty host in endpoint %d", ErrTicketMalformed, i)
		}
		if len(rest) < hostLen+2 {
			return t, fmt.Errorf("%w: truncated endpoint %d", ErrTicketMalformed, i)
		}
		host := string(rest[:hostLen])
		port := binary.BigEndian.Uint16(rest[hostLen : hostLen+2])
		rest = rest[hostLen+2:]
		t.Endpoints = append(t.Endpoints, Endpoint{Host: host, Port: port})
	}
	if len(rest) != 0 {
		return t, fmt.Errorf("%w: %d trailing bytes", ErrTicketMalformed, len(rest))
	}

	return t, nil
}

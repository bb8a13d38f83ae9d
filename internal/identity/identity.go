// Package identity manages the process-lifetime peer identity: an ed25519
// key pair wrapped in a self-signed certificate whose SHA-256 fingerprint
// is the peer's identity on the wire and in tickets.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// Size is the identity fingerprint length in bytes.
const Size = sha256.Size

// Identity is a freshly generated key pair and self-signed certificate.
// Both transports present the same certificate, so the fingerprint a peer
// observes during the handshake is stable across QUIC and TCP.
type Identity struct {
	id   [Size]byte
	cert tls.Certificate
}

// New generates an ephemeral ed25519 identity valid for 24 hours. Sessions
// are short-lived; the certificate exists only to bind the handshake to the
// fingerprint carried in the ticket.
func New() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "nearbeam"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &Identity{
		id: FingerprintOf(der),
		cert: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
		},
	}, nil
}

// ID returns the certificate fingerprint.
func (i *Identity) ID() [Size]byte { return i.id }

// Hex returns the full fingerprint as lowercase hex.
func (i *Identity) Hex() string { return hex.EncodeToString(i.id[:]) }

// ShortHex returns the first 8 hex characters, for logs.
func (i *Identity) ShortHex() string { return i.Hex()[:8] }

// TLSCertificate returns the certificate presented during handshakes.
func (i *Identity) TLSCertificate() tls.Certificate { return i.cert }

// FingerprintOf computes the identity fingerprint of a DER certificate.
func FingerprintOf(der []byte) [Size]byte {
	return sha256.Sum256(der)
}

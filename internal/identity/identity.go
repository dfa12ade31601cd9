// Package identity implements node identity for the stash transport: an
// ed25519 keypair per node, and the self-signed TLS certificate the QUIC
// transport authenticates connections with. This stands in for the node
// identity iroh (the original Rust transport) provides natively — the Go
// ecosystem's quic-go is a bare QUIC implementation, so the identity layer
// on top of it is ours to build.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// NodeID is the hex-encoded ed25519 public key identifying a peer.
type NodeID string

// String returns the full hex identity.
func (n NodeID) String() string { return string(n) }

// Short returns an 8-character prefix, for log lines.
func (n NodeID) Short() string {
	if len(n) <= 8 {
		return string(n)
	}
	return string(n[:8])
}

// ParseNodeID validates and normalizes a hex-encoded ed25519 public key.
func ParseNodeID(s string) (NodeID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("identity: invalid node id: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return "", fmt.Errorf("identity: node id must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return NodeID(hex.EncodeToString(raw)), nil
}

// PublicKey decodes the NodeID back into an ed25519 public key.
func (n NodeID) PublicKey() (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(string(n))
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}

// SecretKey is a node's ed25519 private key and derived identity.
type SecretKey struct {
	Private ed25519.PrivateKey
	Public  NodeID
}

// ParseSecretKey decodes a hex-encoded ed25519 seed (32 bytes) into a SecretKey.
func ParseSecretKey(hexSeed string) (SecretKey, error) {
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return SecretKey{}, fmt.Errorf("identity: invalid secret key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return SecretKey{}, fmt.Errorf("identity: secret key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return SecretKey{Private: priv, Public: NodeID(hex.EncodeToString(pub))}, nil
}

// GenerateSecretKey creates a fresh random node identity, for tests and
// bootstrapping.
func GenerateSecretKey() (SecretKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SecretKey{}, err
	}
	return SecretKey{Private: priv, Public: NodeID(hex.EncodeToString(pub))}, nil
}

// certCommonName is the fixed subject name of every node certificate. It
// carries no identity: a peer's NodeID is recovered from the certificate's
// public key (see PeerNodeID).
const certCommonName = "stash-node"

// selfSignedCert builds a short-lived, self-signed X.509 certificate over
// the node's ed25519 key. The node's identity is authenticated by deriving
// NodeID straight from the certificate's public key, not from any CA chain
// — every stash node is its own root of trust, matching the "node identity
// is the key" model spec.md §4.2/§6 assume of the transport.
func (k SecretKey) selfSignedCert() (tls.Certificate, error) {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: certCommonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, k.Private.Public(), k.Private)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("identity: create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  k.Private,
	}, nil
}

// TLSConfig builds a mutually-authenticating tls.Config for the QUIC
// transport. Both dial and accept sides present their own self-signed
// certificate and skip chain verification (there is no CA — see
// selfSignedCert) in favor of the connection-level peer-identity check the
// transport layer performs once the handshake completes.
func (k SecretKey) TLSConfig(alpn string) (*tls.Config, error) {
	cert, err := k.selfSignedCert()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		ClientAuth:         tls.RequireAnyClientCert,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}, nil
}

// PeerNodeID extracts the NodeID a peer authenticated with from its leaf
// certificate's ed25519 public key.
func PeerNodeID(cert *x509.Certificate) (NodeID, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("identity: peer certificate is not ed25519")
	}
	return NodeID(hex.EncodeToString(pub)), nil
}

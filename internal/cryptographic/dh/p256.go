package dh

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
)

// NewP256KeyPair generates an ephemeral P-256 key pair.
func NewP256KeyPair() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return priv, nil
}

// ParseP256Public parses an uncompressed SEC 1 point.
func ParseP256Public(b []byte) (*ecdh.PublicKey, error) {
	return ecdh.P256().NewPublicKey(b)
}

// P256SharedSecret performs priv * pub.
func P256SharedSecret(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	return priv.ECDH(pub)
}

// P256PublicSize is the length of an uncompressed P-256 point.
const P256PublicSize = 65

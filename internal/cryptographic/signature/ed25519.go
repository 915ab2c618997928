package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

var ErrInvalidSignature = errors.New("signature: verification failed")

func NewEd25519Keypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

func ED25519Sign(privKey ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(privKey, message)
}

// ED25519Verify returns ErrInvalidSignature for malformed keys as well as bad signatures.
func ED25519Verify(pubKeyBytes []byte, message []byte, sig []byte) error {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pubKeyBytes), message, sig) {
		return ErrInvalidSignature
	}
	return nil
}

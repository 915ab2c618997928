package asymmetric

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"e2e_callkey/internal/cryptographic/dh"
	"e2e_callkey/internal/cryptographic/encryption"
	"e2e_callkey/internal/cryptographic/kdf"
	"e2e_callkey/internal/model"
)

// EncryptFor wraps plaintext for the owner of rec. Every call produces an
// independent ciphertext; nothing is shared between recipients.
func EncryptFor(rec *model.PublicKeyRecord, plaintext []byte) ([]byte, error) {
	if rec == nil {
		return nil, ErrMalformedKey
	}
	pub, err := x509.ParsePKIXPublicKey(rec.KeyMaterial)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	switch rec.Algorithm {
	case model.AlgorithmECP256:
		ecPub, err := toECDH(pub)
		if err != nil {
			return nil, err
		}
		return encryptEC(ecPub, plaintext)
	case model.AlgorithmRSA2048:
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok || rsaPub.Size()*8 != RSABits {
			return nil, ErrMalformedKey
		}
		return rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPub, plaintext, nil)
	}
	return nil, ErrUnsupportedAlgorithm
}

func toECDH(pub any) (*ecdh.PublicKey, error) {
	switch k := pub.(type) {
	case *ecdh.PublicKey:
		if k.Curve() != ecdh.P256() {
			return nil, ErrMalformedKey
		}
		return k, nil
	case *ecdsa.PublicKey:
		out, err := k.ECDH()
		if err != nil || out.Curve() != ecdh.P256() {
			return nil, ErrMalformedKey
		}
		return out, nil
	}
	return nil, ErrMalformedKey
}

func encryptEC(recipient *ecdh.PublicKey, plaintext []byte) ([]byte, error) {
	ephemeral, err := dh.NewP256KeyPair()
	if err != nil {
		return nil, err
	}
	shared, err := dh.P256SharedSecret(ephemeral, recipient)
	if err != nil {
		return nil, err
	}

	ephemeralBytes := ephemeral.PublicKey().Bytes()
	key, err := kdf.DeriveKey(shared, ephemeralBytes, wrapInfo, encryption.KeySize)
	if err != nil {
		return nil, err
	}

	sealed, err := encryption.AEADEncrypt(key, plaintext, ephemeralBytes)
	if err != nil {
		return nil, err
	}
	return append(ephemeralBytes, sealed...), nil
}

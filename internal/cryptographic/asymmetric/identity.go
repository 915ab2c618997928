package asymmetric

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"

	"e2e_callkey/internal/cryptographic/dh"
	"e2e_callkey/internal/cryptographic/encryption"
	"e2e_callkey/internal/cryptographic/kdf"
	"e2e_callkey/internal/cryptographic/signature"
	"e2e_callkey/internal/model"
)

const RSABits = 2048

var (
	ErrUnsupportedAlgorithm = errors.New("asymmetric: unsupported algorithm")
	ErrMalformedKey         = errors.New("asymmetric: malformed public key")
	ErrDecrypt              = errors.New("asymmetric: decryption failed")
)

var wrapInfo = []byte("callkey/csk-wrap")

// Identity is a participant's long-lived key pair plus the Ed25519 key used to
// sign channel envelopes. It never exposes private material.
type Identity struct {
	participantID string
	algorithm     model.Algorithm

	ec  *ecdh.PrivateKey
	rsa *rsa.PrivateKey

	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey
}

// Generate creates a new identity for participantID. hardwareBacked selects
// P-256; without it the RSA-2048 fallback is used.
func Generate(participantID string, hardwareBacked bool) (*Identity, error) {
	id := &Identity{participantID: participantID}

	if hardwareBacked {
		priv, err := dh.NewP256KeyPair()
		if err != nil {
			return nil, err
		}
		id.algorithm = model.AlgorithmECP256
		id.ec = priv
	} else {
		priv, err := rsa.GenerateKey(rand.Reader, RSABits)
		if err != nil {
			return nil, fmt.Errorf("rsa.GenerateKey: %w", err)
		}
		id.algorithm = model.AlgorithmRSA2048
		id.rsa = priv
	}

	pub, priv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, err
	}
	id.signPub, id.signPriv = pub, priv
	return id, nil
}

func (id *Identity) ParticipantID() string      { return id.participantID }
func (id *Identity) Algorithm() model.Algorithm { return id.algorithm }

// Public returns the record to publish to the directory.
func (id *Identity) Public() (*model.PublicKeyRecord, error) {
	var pub any
	switch id.algorithm {
	case model.AlgorithmECP256:
		pub = id.ec.PublicKey()
	case model.AlgorithmRSA2048:
		pub = &id.rsa.PublicKey
	default:
		return nil, ErrUnsupportedAlgorithm
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("x509.MarshalPKIXPublicKey: %w", err)
	}

	return &model.PublicKeyRecord{
		ParticipantID: id.participantID,
		Algorithm:     id.algorithm,
		KeyMaterial:   der,
		SigningKey:    append([]byte(nil), id.signPub...),
	}, nil
}

// Sign signs msg with the identity's Ed25519 key.
func (id *Identity) Sign(msg []byte) []byte {
	return signature.ED25519Sign(id.signPriv, msg)
}

// DecryptMine unwraps a payload produced by EncryptFor for this identity.
func (id *Identity) DecryptMine(ciphertext []byte) ([]byte, error) {
	switch id.algorithm {
	case model.AlgorithmECP256:
		return id.decryptEC(ciphertext)
	case model.AlgorithmRSA2048:
		plain, err := rsa.DecryptOAEP(sha256.New(), nil, id.rsa, ciphertext, nil)
		if err != nil {
			return nil, ErrDecrypt
		}
		return plain, nil
	}
	return nil, ErrUnsupportedAlgorithm
}

func (id *Identity) decryptEC(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < dh.P256PublicSize {
		return nil, ErrDecrypt
	}
	ephemeralBytes := ciphertext[:dh.P256PublicSize]
	ephemeral, err := dh.ParseP256Public(ephemeralBytes)
	if err != nil {
		return nil, ErrDecrypt
	}

	shared, err := dh.P256SharedSecret(id.ec, ephemeral)
	if err != nil {
		return nil, ErrDecrypt
	}
	key, err := kdf.DeriveKey(shared, ephemeralBytes, wrapInfo, encryption.KeySize)
	if err != nil {
		return nil, err
	}

	plain, err := encryption.AEADDecrypt(key, ciphertext[dh.P256PublicSize:], ephemeralBytes)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// Package asymmetric is the identity key provider.
//
// Each participant owns one Identity. It is P-256 when the device reports a
// hardware-backed key store and RSA-2048 otherwise. Short payloads such as a
// call session key are wrapped for a peer with EncryptFor, which dispatches on
// the algorithm the peer published, and unwrapped by the owner with
// DecryptMine.
//
// # Wire formats
//
//   - ec-p256: ephemeral_pub(65) || nonce(12) || ciphertext || tag(16), where
//     the AES-256-GCM key is HKDF-SHA256(ECDH(ephemeral, recipient),
//     salt=ephemeral_pub, info="callkey/csk-wrap").
//   - rsa-2048: RSA-OAEP with SHA-256.
package asymmetric

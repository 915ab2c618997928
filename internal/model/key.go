package model

type (
	Algorithm string

	// PublicKeyRecord is what the directory publishes for one participant.
	// KeyMaterial is a PKIX DER encoded public key of the given Algorithm.
	PublicKeyRecord struct {
		ParticipantID string    `json:"participant_id" bson:"participant_id"`
		Algorithm     Algorithm `json:"algorithm" bson:"algorithm"`
		KeyMaterial   []byte    `json:"key_material" bson:"key_material"`
		SigningKey    []byte    `json:"signing_key,omitempty" bson:"signing_key,omitempty"`
		Version       int64     `json:"version" bson:"version"`
	}
)

const (
	AlgorithmECP256  Algorithm = "ec-p256"
	AlgorithmRSA2048 Algorithm = "rsa-2048"
)

func (a Algorithm) Valid() bool {
	return a == AlgorithmECP256 || a == AlgorithmRSA2048
}

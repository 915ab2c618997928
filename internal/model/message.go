package model

import (
	"encoding/json"
	"time"
)

type Kind string

const (
	KindRotationAnnouncement Kind = "rotation_announcement"
	KindRecoveryRequest      Kind = "recovery_request"
	KindRecoveryResponse     Kind = "recovery_response"
	KindRecoveryError        Kind = "recovery_error"
)

type (
	// Envelope is the unit carried by the distribution channel. Signature covers
	// the JSON encoding of the envelope with Signature unset.
	Envelope struct {
		ID            string          `json:"id"`
		Kind          Kind            `json:"kind"`
		CallID        string          `json:"call_id"`
		From          string          `json:"from"`
		To            string          `json:"to"`
		CorrelationID string          `json:"correlation_id,omitempty"`
		SentAt        time.Time       `json:"sent_at"`
		Payload       json.RawMessage `json:"payload"`
		Signature     []byte          `json:"signature,omitempty"`
	}

	// RotationAnnouncement carries one recipient's copy of a new call session key.
	RotationAnnouncement struct {
		RecipientID  string    `json:"recipient_id"`
		Epoch        uint64    `json:"epoch"`
		ActivationAt time.Time `json:"activation_at"`
		Ciphertext   []byte    `json:"ciphertext"`
	}

	RecoveryRequest struct {
		RequesterID string `json:"requester_id"`
	}

	RecoveryResponse struct {
		RequesterID string `json:"requester_id"`
		Epoch       uint64 `json:"epoch"`
		Ciphertext  []byte `json:"ciphertext"`
	}

	// RecoveryError is sent instead of a response when the host cannot answer,
	// so the requester does not have to wait for its timer.
	RecoveryError struct {
		RequesterID string `json:"requester_id"`
		Reason      string `json:"reason"`
	}
)

func (e *Envelope) SigningBytes() ([]byte, error) {
	cp := *e
	cp.Signature = nil
	return json.Marshal(&cp)
}

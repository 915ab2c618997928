package model

import "time"

type SlotName int

const (
	SlotBackup SlotName = iota
	SlotCurrent
	SlotFuture
)

func (s SlotName) String() string {
	switch s {
	case SlotBackup:
		return "backup"
	case SlotCurrent:
		return "current"
	case SlotFuture:
		return "future"
	}
	return "unknown"
}

type (
	// Slot holds one call session key. Key is never serialized.
	Slot struct {
		Key          []byte    `json:"-"`
		Epoch        uint64    `json:"epoch"`
		ActivationAt time.Time `json:"activation_at"`
	}

	// SlotInfo is the key-free view of a slot used for logging and inspection.
	SlotInfo struct {
		Epoch        uint64    `json:"epoch"`
		ActivationAt time.Time `json:"activation_at"`
	}
)

func (s *Slot) Info() *SlotInfo {
	if s == nil {
		return nil
	}
	return &SlotInfo{Epoch: s.Epoch, ActivationAt: s.ActivationAt}
}

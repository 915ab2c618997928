package epoch

import (
	"errors"
	"sort"
	"sync"
	"time"

	"e2e_callkey/internal/cryptographic/encryption"
	"e2e_callkey/internal/model"
	"e2e_callkey/internal/utils/clock"

	"github.com/awnumar/memguard"
)

// MaxStaged bounds the announcements held behind the future slot while an
// older epoch is still pending activation.
const MaxStaged = 2

var (
	ErrStaleEpoch       = errors.New("epoch: stale epoch")
	ErrDecryptExhausted = errors.New("epoch: decryption failed under every slot")
	ErrNoCurrentKey     = errors.New("epoch: no current key")
	ErrClosed           = errors.New("epoch: store closed")
)

type (
	// Transition describes one promotion of future into current.
	Transition struct {
		Retired *model.SlotInfo
		Current *model.SlotInfo
	}

	Snapshot struct {
		Backup  *model.SlotInfo
		Current *model.SlotInfo
		Future  *model.SlotInfo
		Staged  []model.SlotInfo
	}

	Option func(*Store)

	// Store holds one participant's backup/current/future call session keys.
	// Writers are serialized; Decrypt and Encrypt hold the read lock for the
	// whole operation so they never see a half-applied transition.
	Store struct {
		aad   []byte
		clock clock.Clock

		mu     sync.RWMutex
		slots  [3]*model.Slot
		staged []*model.Slot
		timer  clock.Timer
		closed bool

		onTransition func(Transition)
	}
)

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithTransitionHook registers f to run after every promotion, outside the lock.
func WithTransitionHook(f func(Transition)) Option {
	return func(s *Store) { s.onTransition = f }
}

// New returns an empty store. Frames are bound to callID as associated data.
func New(callID string, opts ...Option) *Store {
	s := &Store{
		aad:   []byte(callID),
		clock: clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InstallFuture schedules key to become current at activation.
//
// An epoch not newer than current is rejected with ErrStaleEpoch. Repeated
// delivery of an epoch already held is a no-op. An activation time already in
// the past is applied immediately.
func (s *Store) InstallFuture(key []byte, activation time.Time, epoch uint64) error {
	if len(key) != encryption.KeySize {
		return encryption.ErrInvalidKey
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	if cur := s.slots[model.SlotCurrent]; cur != nil && epoch <= cur.Epoch {
		s.mu.Unlock()
		return ErrStaleEpoch
	}
	if s.holdsLocked(epoch) {
		s.mu.Unlock()
		return nil
	}

	slot := &model.Slot{
		Key:          append([]byte(nil), key...),
		Epoch:        epoch,
		ActivationAt: activation,
	}

	switch fut := s.slots[model.SlotFuture]; {
	case fut == nil:
		s.slots[model.SlotFuture] = slot
	case epoch < fut.Epoch:
		// The older epoch must activate first.
		s.stageLocked(fut)
		s.slots[model.SlotFuture] = slot
	default:
		s.stageLocked(slot)
	}

	events := s.settleLocked()
	s.mu.Unlock()

	s.notify(events)
	return nil
}

// Transition promotes future to current immediately:
// backup <- current, current <- future, future <- next staged.
// It reports whether a promotion happened.
func (s *Store) Transition() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	var events []Transition
	if ev, ok := s.rotateLocked(); ok {
		events = append(events, ev)
	}
	events = append(events, s.settleLocked()...)
	s.mu.Unlock()

	s.notify(events)
	return len(events) > 0
}

// InstallEmergencyCurrent overwrites current with a key delivered by recovery.
// backup and future are left untouched.
func (s *Store) InstallEmergencyCurrent(key []byte, epoch uint64) error {
	if len(key) != encryption.KeySize {
		return encryption.ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	cur := s.slots[model.SlotCurrent]
	if cur != nil && epoch < cur.Epoch {
		return ErrStaleEpoch
	}
	if cur != nil {
		memguard.WipeBytes(cur.Key)
	}
	s.slots[model.SlotCurrent] = &model.Slot{
		Key:          append([]byte(nil), key...),
		Epoch:        epoch,
		ActivationAt: s.clock.Now(),
	}
	return nil
}

// Decrypt tries current, then backup, then future. A failed tag check under one
// slot moves on to the next; ErrDecryptExhausted means none matched.
//
// future is only consulted once a current key exists: it covers a sender that
// transitioned slightly ahead of us, not a key that has never been active.
func (s *Store) Decrypt(frame []byte) ([]byte, model.SlotName, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, 0, ErrClosed
	}
	if s.slots[model.SlotCurrent] == nil {
		return nil, 0, ErrDecryptExhausted
	}

	for _, name := range [...]model.SlotName{model.SlotCurrent, model.SlotBackup, model.SlotFuture} {
		slot := s.slots[name]
		if slot == nil {
			continue
		}
		plain, err := encryption.AEADDecrypt(slot.Key, frame, s.aad)
		if err == nil {
			return plain, name, nil
		}
	}
	return nil, 0, ErrDecryptExhausted
}

// Encrypt seals frame under the current key.
func (s *Store) Encrypt(frame []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	cur := s.slots[model.SlotCurrent]
	if cur == nil {
		return nil, ErrNoCurrentKey
	}
	return encryption.AEADEncrypt(cur.Key, frame, s.aad)
}

// CurrentKey returns a copy of the current key. The caller owns the copy and
// should wipe it after use.
func (s *Store) CurrentKey() ([]byte, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, 0, ErrClosed
	}

	cur := s.slots[model.SlotCurrent]
	if cur == nil {
		return nil, 0, ErrNoCurrentKey
	}
	return append([]byte(nil), cur.Key...), cur.Epoch, nil
}

// HighestEpoch returns the newest epoch held in any slot or staging entry.
func (s *Store) HighestEpoch() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		highest uint64
		found   bool
	)
	consider := func(slot *model.Slot) {
		if slot != nil && (!found || slot.Epoch > highest) {
			highest, found = slot.Epoch, true
		}
	}
	for _, slot := range s.slots {
		consider(slot)
	}
	for _, slot := range s.staged {
		consider(slot)
	}
	return highest, found
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Backup:  s.slots[model.SlotBackup].Info(),
		Current: s.slots[model.SlotCurrent].Info(),
		Future:  s.slots[model.SlotFuture].Info(),
	}
	for _, slot := range s.staged {
		snap.Staged = append(snap.Staged, *slot.Info())
	}
	return snap
}

// Close cancels the transition timer and wipes every key. No timer callback
// has any effect after Close returns.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	for i, slot := range s.slots {
		wipe(slot)
		s.slots[i] = nil
	}
	for _, slot := range s.staged {
		wipe(slot)
	}
	s.staged = nil
}

func (s *Store) holdsLocked(epoch uint64) bool {
	if fut := s.slots[model.SlotFuture]; fut != nil && fut.Epoch == epoch {
		return true
	}
	for _, slot := range s.staged {
		if slot.Epoch == epoch {
			return true
		}
	}
	return false
}

func (s *Store) stageLocked(slot *model.Slot) {
	s.staged = append(s.staged, slot)
	sort.Slice(s.staged, func(i, j int) bool { return s.staged[i].Epoch < s.staged[j].Epoch })
	for len(s.staged) > MaxStaged {
		wipe(s.staged[0])
		s.staged = s.staged[1:]
	}
}

// dropObsoleteLocked discards future and staged entries that are not newer
// than current, then refills future from staging.
func (s *Store) dropObsoleteLocked() {
	if cur := s.slots[model.SlotCurrent]; cur != nil {
		if fut := s.slots[model.SlotFuture]; fut != nil && fut.Epoch <= cur.Epoch {
			wipe(fut)
			s.slots[model.SlotFuture] = nil
		}
		kept := s.staged[:0]
		for _, slot := range s.staged {
			if slot.Epoch <= cur.Epoch {
				wipe(slot)
				continue
			}
			kept = append(kept, slot)
		}
		s.staged = kept
	}

	if s.slots[model.SlotFuture] == nil && len(s.staged) > 0 {
		s.slots[model.SlotFuture] = s.staged[0]
		s.staged = s.staged[1:]
	}
}

func (s *Store) rotateLocked() (Transition, bool) {
	s.dropObsoleteLocked()
	fut := s.slots[model.SlotFuture]
	if fut == nil {
		return Transition{}, false
	}

	ev := Transition{
		Retired: s.slots[model.SlotBackup].Info(),
		Current: fut.Info(),
	}
	wipe(s.slots[model.SlotBackup])
	s.slots[model.SlotBackup] = s.slots[model.SlotCurrent]
	s.slots[model.SlotCurrent] = fut
	s.slots[model.SlotFuture] = nil
	s.dropObsoleteLocked()
	return ev, true
}

// settleLocked applies every transition whose activation time has passed and
// arms the timer for the next one.
func (s *Store) settleLocked() []Transition {
	var events []Transition
	now := s.clock.Now()
	for {
		s.dropObsoleteLocked()
		fut := s.slots[model.SlotFuture]
		if fut == nil || fut.ActivationAt.After(now) {
			break
		}
		ev, ok := s.rotateLocked()
		if !ok {
			break
		}
		events = append(events, ev)
	}
	s.armLocked(now)
	return events
}

func (s *Store) armLocked(now time.Time) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	fut := s.slots[model.SlotFuture]
	if fut == nil {
		return
	}
	epoch := fut.Epoch
	s.timer = s.clock.AfterFunc(fut.ActivationAt.Sub(now), func() { s.fire(epoch) })
}

func (s *Store) fire(epoch uint64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var events []Transition
	if fut := s.slots[model.SlotFuture]; fut != nil && fut.Epoch == epoch {
		if ev, ok := s.rotateLocked(); ok {
			events = append(events, ev)
		}
	}
	events = append(events, s.settleLocked()...)
	s.mu.Unlock()

	s.notify(events)
}

func (s *Store) notify(events []Transition) {
	if s.onTransition == nil {
		return
	}
	for _, ev := range events {
		s.onTransition(ev)
	}
}

func wipe(slot *model.Slot) {
	if slot != nil {
		memguard.WipeBytes(slot.Key)
	}
}

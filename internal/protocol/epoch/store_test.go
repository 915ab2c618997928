package epoch_test

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"e2e_callkey/internal/cryptographic/encryption"
	"e2e_callkey/internal/model"
	"e2e_callkey/internal/protocol/epoch"
	"e2e_callkey/internal/utils/clock"
)

const callID = "call-1"

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*epoch.Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	s := epoch.New(callID, epoch.WithClock(clk))
	t.Cleanup(s.Close)
	return s, clk
}

func newKey(t *testing.T) []byte {
	t.Helper()
	k, err := encryption.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

func seal(t *testing.T, key []byte, msg string) []byte {
	t.Helper()
	ct, err := encryption.AEADEncrypt(key, []byte(msg), []byte(callID))
	if err != nil {
		t.Fatalf("AEADEncrypt: %v", err)
	}
	return ct
}

func currentEpoch(t *testing.T, s *epoch.Store) uint64 {
	t.Helper()
	cur := s.Snapshot().Current
	if cur == nil {
		t.Fatal("no current slot")
	}
	return cur.Epoch
}

func TestInstallFuture_BootstrapActivatesAtTimestamp(t *testing.T) {
	s, clk := newStore(t)
	k0 := newKey(t)
	T := t0.Add(3 * time.Second)

	if err := s.InstallFuture(k0, T, 0); err != nil {
		t.Fatalf("InstallFuture: %v", err)
	}
	frame := seal(t, k0, "hello")

	if _, _, err := s.Decrypt(frame); !errors.Is(err, epoch.ErrDecryptExhausted) {
		t.Fatalf("before T: got %v, want ErrDecryptExhausted", err)
	}

	clk.Advance(3 * time.Second)

	pt, slot, err := s.Decrypt(frame)
	if err != nil {
		t.Fatalf("after T: Decrypt: %v", err)
	}
	if string(pt) != "hello" || slot != model.SlotCurrent {
		t.Fatalf("got %q from %s", pt, slot)
	}
}

func TestInstallFuture_Idempotent(t *testing.T) {
	once, _ := newStore(t)
	twice, _ := newStore(t)
	k := newKey(t)
	T := t0.Add(time.Minute)

	if err := once.InstallFuture(k, T, 1); err != nil {
		t.Fatalf("InstallFuture: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := twice.InstallFuture(k, T, 1); err != nil {
			t.Fatalf("InstallFuture #%d: %v", i, err)
		}
	}

	a, b := once.Snapshot(), twice.Snapshot()
	if *a.Future != *b.Future || a.Current != nil || b.Current != nil || len(b.Staged) != 0 {
		t.Fatalf("state differs: %+v vs %+v", a, b)
	}
}

func TestInstallFuture_StaleEpoch(t *testing.T) {
	s, clk := newStore(t)
	if err := s.InstallFuture(newKey(t), t0.Add(time.Second), 4); err != nil {
		t.Fatalf("InstallFuture: %v", err)
	}
	clk.Advance(time.Second)

	for _, e := range []uint64{3, 4} {
		if err := s.InstallFuture(newKey(t), t0.Add(time.Hour), e); !errors.Is(err, epoch.ErrStaleEpoch) {
			t.Fatalf("epoch %d: got %v, want ErrStaleEpoch", e, err)
		}
	}
	if got := currentEpoch(t, s); got != 4 {
		t.Fatalf("current = %d, want 4", got)
	}
}

func TestInstallFuture_OlderEpochActivatesFirst(t *testing.T) {
	clk := clock.NewManual(t0)
	var order []uint64
	s := epoch.New(callID, epoch.WithClock(clk), epoch.WithTransitionHook(func(tr epoch.Transition) {
		order = append(order, tr.Current.Epoch)
	}))
	t.Cleanup(s.Close)

	if err := s.InstallFuture(newKey(t), t0, 3); err != nil {
		t.Fatalf("InstallFuture(3): %v", err)
	}
	order = nil

	k4, k5 := newKey(t), newKey(t)
	T4, T5 := t0.Add(10*time.Second), t0.Add(20*time.Second)

	// epoch 5 arrives twice, both before epoch 4's announcement.
	for i := 0; i < 2; i++ {
		if err := s.InstallFuture(k5, T5, 5); err != nil {
			t.Fatalf("InstallFuture(5): %v", err)
		}
	}
	if err := s.InstallFuture(k4, T4, 4); err != nil {
		t.Fatalf("InstallFuture(4): %v", err)
	}

	snap := s.Snapshot()
	if snap.Future == nil || snap.Future.Epoch != 4 {
		t.Fatalf("future = %+v, want epoch 4", snap.Future)
	}

	clk.Advance(10 * time.Second)
	if got := currentEpoch(t, s); got != 4 {
		t.Fatalf("at T4 current = %d, want 4", got)
	}
	clk.Advance(10 * time.Second)
	if got := currentEpoch(t, s); got != 5 {
		t.Fatalf("at T5 current = %d, want 5", got)
	}
	if len(order) != 2 || order[0] != 4 || order[1] != 5 {
		t.Fatalf("transition order = %v, want [4 5]", order)
	}
}

func TestCurrentIsMaxActivatedEpoch_AnyDeliveryOrder(t *testing.T) {
	const n = 5
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 20; round++ {
		s, clk := newStore(t)
		perm := rng.Perm(n)
		for _, i := range perm {
			e := uint64(i + 1)
			err := s.InstallFuture(newKey(t), t0.Add(time.Duration(e)*time.Minute), e)
			if err != nil && !errors.Is(err, epoch.ErrStaleEpoch) {
				t.Fatalf("round %d: InstallFuture(%d): %v", round, e, err)
			}
		}

		clk.Advance(n*time.Minute + time.Second)
		if got := currentEpoch(t, s); got != n {
			t.Fatalf("round %d (order %v): current = %d, want %d", round, perm, got, n)
		}
	}
}

func TestInstallFuture_PastActivationAppliesImmediately(t *testing.T) {
	s, _ := newStore(t)
	if err := s.InstallFuture(newKey(t), t0.Add(-time.Second), 2); err != nil {
		t.Fatalf("InstallFuture: %v", err)
	}
	if got := currentEpoch(t, s); got != 2 {
		t.Fatalf("current = %d, want 2", got)
	}
}

func TestDecrypt_SlotOrderAndBackupBoundary(t *testing.T) {
	s, clk := newStore(t)
	k1, k2, k3 := newKey(t), newKey(t), newKey(t)

	if err := s.InstallFuture(k1, t0.Add(time.Second), 1); err != nil {
		t.Fatalf("InstallFuture(1): %v", err)
	}
	clk.Advance(time.Second)
	if err := s.InstallFuture(k2, t0.Add(2*time.Second), 2); err != nil {
		t.Fatalf("InstallFuture(2): %v", err)
	}

	// Sender already moved to epoch 2: the future slot covers it.
	if _, slot, err := s.Decrypt(seal(t, k2, "early")); err != nil || slot != model.SlotFuture {
		t.Fatalf("future frame: slot %s err %v", slot, err)
	}

	clk.Advance(time.Second)
	old := seal(t, k1, "late")
	if pt, slot, err := s.Decrypt(old); err != nil || slot != model.SlotBackup || string(pt) != "late" {
		t.Fatalf("backup frame: %q slot %s err %v", pt, slot, err)
	}

	if err := s.InstallFuture(k3, t0.Add(3*time.Second), 3); err != nil {
		t.Fatalf("InstallFuture(3): %v", err)
	}
	clk.Advance(time.Second)

	// epoch 1 has now been pushed out of the triplet.
	if _, _, err := s.Decrypt(old); !errors.Is(err, epoch.ErrDecryptExhausted) {
		t.Fatalf("retired frame: got %v, want ErrDecryptExhausted", err)
	}
	if _, slot, err := s.Decrypt(seal(t, k2, "prev")); err != nil || slot != model.SlotBackup {
		t.Fatalf("epoch 2 frame: slot %s err %v", slot, err)
	}
}

func TestDecrypt_TamperedFrame(t *testing.T) {
	s, _ := newStore(t)
	k := newKey(t)
	if err := s.InstallFuture(k, t0, 1); err != nil {
		t.Fatalf("InstallFuture: %v", err)
	}
	frame := seal(t, k, "media")
	frame[len(frame)-1] ^= 0xff

	if _, _, err := s.Decrypt(frame); !errors.Is(err, epoch.ErrDecryptExhausted) {
		t.Fatalf("got %v, want ErrDecryptExhausted", err)
	}
}

func TestInstallEmergencyCurrent_LeavesOtherSlots(t *testing.T) {
	s, clk := newStore(t)
	if err := s.InstallFuture(newKey(t), t0.Add(time.Second), 5); err != nil {
		t.Fatalf("InstallFuture(5): %v", err)
	}
	clk.Advance(time.Second)
	if err := s.InstallFuture(newKey(t), t0.Add(2*time.Second), 6); err != nil {
		t.Fatalf("InstallFuture(6): %v", err)
	}
	clk.Advance(time.Second)
	if err := s.InstallFuture(newKey(t), t0.Add(time.Hour), 8); err != nil {
		t.Fatalf("InstallFuture(8): %v", err)
	}
	before := s.Snapshot()

	k7 := newKey(t)
	if err := s.InstallEmergencyCurrent(k7, 7); err != nil {
		t.Fatalf("InstallEmergencyCurrent: %v", err)
	}

	after := s.Snapshot()
	if after.Current.Epoch != 7 {
		t.Fatalf("current = %d, want 7", after.Current.Epoch)
	}
	if *after.Backup != *before.Backup || *after.Future != *before.Future {
		t.Fatalf("backup/future changed: before %+v after %+v", before, after)
	}
	if pt, _, err := s.Decrypt(seal(t, k7, "ok")); err != nil || string(pt) != "ok" {
		t.Fatalf("Decrypt under emergency key: %q %v", pt, err)
	}

	if err := s.InstallEmergencyCurrent(newKey(t), 6); !errors.Is(err, epoch.ErrStaleEpoch) {
		t.Fatalf("regression: got %v, want ErrStaleEpoch", err)
	}
}

func TestEmergencyCurrent_ObsoleteFutureIsDiscarded(t *testing.T) {
	s, clk := newStore(t)
	if err := s.InstallFuture(newKey(t), t0, 1); err != nil {
		t.Fatalf("InstallFuture: %v", err)
	}
	if err := s.InstallFuture(newKey(t), t0.Add(time.Second), 2); err != nil {
		t.Fatalf("InstallFuture: %v", err)
	}
	if err := s.InstallEmergencyCurrent(newKey(t), 3); err != nil {
		t.Fatalf("InstallEmergencyCurrent: %v", err)
	}

	clk.Advance(time.Second)
	snap := s.Snapshot()
	if snap.Current.Epoch != 3 || snap.Future != nil {
		t.Fatalf("got %+v, want current 3 and no future", snap)
	}
}

func TestStaging_IsBounded(t *testing.T) {
	s, _ := newStore(t)
	for e := uint64(1); e <= 2+epoch.MaxStaged; e++ {
		if err := s.InstallFuture(newKey(t), t0.Add(time.Duration(e)*time.Minute), e); err != nil {
			t.Fatalf("InstallFuture(%d): %v", e, err)
		}
	}
	snap := s.Snapshot()
	if snap.Future.Epoch != 1 {
		t.Fatalf("future = %d, want 1", snap.Future.Epoch)
	}
	if len(snap.Staged) != epoch.MaxStaged || snap.Staged[len(snap.Staged)-1].Epoch != 2+epoch.MaxStaged {
		t.Fatalf("staged = %+v", snap.Staged)
	}
}

func TestEncrypt_UsesCurrent(t *testing.T) {
	s, _ := newStore(t)
	if _, err := s.Encrypt([]byte("x")); !errors.Is(err, epoch.ErrNoCurrentKey) {
		t.Fatalf("empty store: got %v", err)
	}

	k := newKey(t)
	if err := s.InstallFuture(k, t0, 0); err != nil {
		t.Fatalf("InstallFuture: %v", err)
	}
	ct, err := s.Encrypt([]byte("frame"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := encryption.AEADDecrypt(k, ct, []byte(callID))
	if err != nil || !bytes.Equal(pt, []byte("frame")) {
		t.Fatalf("AEADDecrypt: %q %v", pt, err)
	}
}

func TestClose_CancelsTimerAndWipes(t *testing.T) {
	clk := clock.NewManual(t0)
	fired := 0
	s := epoch.New(callID, epoch.WithClock(clk), epoch.WithTransitionHook(func(epoch.Transition) { fired++ }))

	if err := s.InstallFuture(newKey(t), t0.Add(time.Second), 1); err != nil {
		t.Fatalf("InstallFuture: %v", err)
	}
	if clk.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", clk.Pending())
	}

	s.Close()
	if clk.Pending() != 0 {
		t.Fatalf("pending timers after Close = %d", clk.Pending())
	}
	clk.Advance(time.Minute)
	if fired != 0 {
		t.Fatalf("transition fired after Close")
	}
	if err := s.InstallFuture(newKey(t), t0.Add(time.Hour), 2); !errors.Is(err, epoch.ErrClosed) {
		t.Fatalf("after Close: got %v", err)
	}
	if _, _, err := s.CurrentKey(); !errors.Is(err, epoch.ErrClosed) {
		t.Fatalf("CurrentKey after Close: got %v", err)
	}
}

func TestHighestEpoch(t *testing.T) {
	s, _ := newStore(t)
	if _, ok := s.HighestEpoch(); ok {
		t.Fatal("empty store reports an epoch")
	}
	_ = s.InstallFuture(newKey(t), t0.Add(time.Minute), 3)
	_ = s.InstallFuture(newKey(t), t0.Add(2*time.Minute), 9)
	if e, ok := s.HighestEpoch(); !ok || e != 9 {
		t.Fatalf("HighestEpoch = %d %v, want 9", e, ok)
	}
}

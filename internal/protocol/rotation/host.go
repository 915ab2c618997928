package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"e2e_callkey/internal/cryptographic/asymmetric"
	"e2e_callkey/internal/cryptographic/encryption"
	"e2e_callkey/internal/model"
	"e2e_callkey/internal/protocol/epoch"
	"e2e_callkey/internal/utils/clock"
	"e2e_callkey/internal/utils/log"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNotMember = errors.New("rotation: requester is not in the call")

type (
	Config struct {
		// Period between scheduled rotations.
		Period time.Duration
		// PropagationMargin delays activation so announcements can arrive first.
		PropagationMargin time.Duration
		// LookupAttempts bounds directory/encrypt/send attempts per recipient.
		LookupAttempts int
		LookupBackoff  time.Duration
	}

	Resolver interface {
		Resolve(ctx context.Context, participantID string) (*model.PublicKeyRecord, error)
		Invalidate(ctx context.Context, participantID string)
	}

	Sender interface {
		Send(ctx context.Context, to string, kind model.Kind, payload any) error
	}

	// Roster returns the ids of the participants currently in the call.
	Roster func() []string

	// Round reports the outcome of one rotation. Failed recipients keep their
	// previous keys and may use recovery.
	Round struct {
		Epoch        uint64
		ActivationAt time.Time
		Delivered    []string
		Failed       map[string]error
	}

	Host struct {
		cfg    Config
		self   string
		roster Roster
		dir    Resolver
		sender Sender
		store  *epoch.Store
		clock  clock.Clock

		mu       sync.Mutex
		highest  uint64
		observed bool
		running  bool
		timer    clock.Timer
		ctx      context.Context
		cancel   context.CancelFunc
		inflight sync.WaitGroup

		tickMu sync.Mutex
	}
)

func NewHost(cfg Config, self string, roster Roster, dir Resolver, sender Sender, store *epoch.Store, clk clock.Clock) *Host {
	if cfg.LookupAttempts < 1 {
		cfg.LookupAttempts = 1
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Host{
		cfg:    cfg,
		self:   self,
		roster: roster,
		dir:    dir,
		sender: sender,
		store:  store,
		clock:  clk,
	}
}

// Observe records an epoch seen on the channel so that a later take-over
// never reuses an epoch number.
func (h *Host) Observe(e uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.observed || e > h.highest {
		h.highest, h.observed = e, true
	}
}

// Start rotates immediately and then every Period until Stop.
func (h *Host) Start(ctx context.Context) (*Round, error) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil, errors.New("rotation: host already running")
	}
	h.running = true
	h.ctx, h.cancel = context.WithCancel(ctx)
	runCtx := h.ctx
	h.inflight.Add(1)
	h.mu.Unlock()

	round, err := h.Tick(runCtx)
	h.inflight.Done()

	h.mu.Lock()
	if h.running {
		h.timer = h.clock.AfterFunc(h.cfg.Period, h.onTimer)
	}
	h.mu.Unlock()
	return round, err
}

// TakeOver is called when this participant becomes host. It re-keys at once
// with an epoch strictly above highestObserved instead of continuing the
// previous host's schedule.
func (h *Host) TakeOver(ctx context.Context, highestObserved uint64, observed bool) (*Round, error) {
	if observed {
		h.Observe(highestObserved)
	}
	log.Info("taking over host role", zap.String("participant", h.self), zap.Uint64("highest_observed", highestObserved))

	if h.Running() {
		h.Stop()
	}
	return h.Start(ctx)
}

func (h *Host) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Stop cancels the schedule and waits for an in-flight rotation to finish.
func (h *Host) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.cancel()
	h.mu.Unlock()

	h.inflight.Wait()
}

func (h *Host) onTimer() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	ctx := h.ctx
	h.inflight.Add(1)
	h.mu.Unlock()

	if _, err := h.Tick(ctx); err != nil {
		log.Error("scheduled rotation failed", zap.Error(err))
	}
	h.inflight.Done()

	h.mu.Lock()
	if h.running {
		h.timer = h.clock.AfterFunc(h.cfg.Period, h.onTimer)
	}
	h.mu.Unlock()
}

// Tick generates a fresh call session key for the next epoch and sends one
// individually encrypted announcement per participant.
func (h *Host) Tick(ctx context.Context) (*Round, error) {
	h.tickMu.Lock()
	defer h.tickMu.Unlock()

	key, err := encryption.GenerateKey()
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)

	next := h.nextEpoch()
	activation := h.clock.Now().Add(h.cfg.PropagationMargin)

	if err := h.store.InstallFuture(key, activation, next); err != nil {
		return nil, fmt.Errorf("install epoch %d locally: %w", next, err)
	}

	round := &Round{
		Epoch:        next,
		ActivationAt: activation,
		Failed:       make(map[string]error),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, id := range h.recipients() {
		g.Go(func() error {
			err := h.announce(ctx, id, key, next, activation)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				round.Failed[id] = err
				log.Warn("rotation delivery failed",
					zap.String("recipient", id), zap.Uint64("epoch", next), zap.Error(err))
			} else {
				round.Delivered = append(round.Delivered, id)
			}
			return nil
		})
	}
	g.Wait()

	log.Info("rotation round complete",
		zap.Uint64("epoch", next),
		zap.Time("activation_at", activation),
		zap.Int("delivered", len(round.Delivered)),
		zap.Int("failed", len(round.Failed)))
	return round, nil
}

// HandleRecoveryRequest answers with the host's current key re-encrypted for
// the requester. backup and future are never offered, and requesters outside
// the roster get ErrNotMember.
func (h *Host) HandleRecoveryRequest(ctx context.Context, requesterID string) (*model.RecoveryResponse, error) {
	if !h.isMember(requesterID) {
		log.Warn("refusing recovery to non-member", zap.String("requester", requesterID))
		return nil, ErrNotMember
	}

	key, e, err := h.store.CurrentKey()
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)

	ct, err := h.wrapFor(ctx, requesterID, key)
	if err != nil {
		return nil, err
	}
	log.Info("answered recovery request", zap.String("requester", requesterID), zap.Uint64("epoch", e))
	return &model.RecoveryResponse{
		RequesterID: requesterID,
		Epoch:       e,
		Ciphertext:  ct,
	}, nil
}

func (h *Host) nextEpoch() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	highest, found := h.highest, h.observed
	if e, ok := h.store.HighestEpoch(); ok && (!found || e > highest) {
		highest, found = e, true
	}

	next := uint64(0)
	if found {
		next = highest + 1
	}
	h.highest, h.observed = next, true
	return next
}

func (h *Host) recipients() []string {
	seen := map[string]struct{}{h.self: {}}
	var out []string
	for _, id := range h.roster() {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (h *Host) isMember(id string) bool {
	if id == "" || id == h.self {
		return false
	}
	for _, member := range h.roster() {
		if member == id {
			return true
		}
	}
	return false
}

func (h *Host) announce(ctx context.Context, recipient string, key []byte, e uint64, activation time.Time) error {
	return h.retry(ctx, recipient, func() error {
		ct, err := h.encryptFor(ctx, recipient, key)
		if err != nil {
			return err
		}
		return h.sender.Send(ctx, recipient, model.KindRotationAnnouncement, &model.RotationAnnouncement{
			RecipientID:  recipient,
			Epoch:        e,
			ActivationAt: activation,
			Ciphertext:   ct,
		})
	})
}

func (h *Host) wrapFor(ctx context.Context, recipient string, key []byte) ([]byte, error) {
	var ct []byte
	err := h.retry(ctx, recipient, func() error {
		var err error
		ct, err = h.encryptFor(ctx, recipient, key)
		return err
	})
	return ct, err
}

func (h *Host) encryptFor(ctx context.Context, recipient string, key []byte) ([]byte, error) {
	rec, err := h.dir.Resolve(ctx, recipient)
	if err != nil {
		return nil, err
	}
	ct, err := asymmetric.EncryptFor(rec, key)
	if err != nil {
		h.dir.Invalidate(ctx, recipient)
		return nil, err
	}
	return ct, nil
}

func (h *Host) retry(ctx context.Context, recipient string, op func() error) error {
	backoff := h.cfg.LookupBackoff
	var err error
	for attempt := 1; attempt <= h.cfg.LookupAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == h.cfg.LookupAttempts {
			break
		}
		log.Debug("retrying recipient", zap.String("recipient", recipient), zap.Int("attempt", attempt), zap.Error(err))

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
	return err
}

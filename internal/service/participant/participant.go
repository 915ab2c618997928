// Package participant ties the key lifecycle together for one call member:
// it installs announced keys, serves recovery while hosting, runs rotation
// after a host hand-off and exposes frame encryption to the media pipeline.
package participant

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"e2e_callkey/internal/channel"
	"e2e_callkey/internal/cryptographic/asymmetric"
	"e2e_callkey/internal/cryptographic/signature"
	"e2e_callkey/internal/model"
	"e2e_callkey/internal/protocol/epoch"
	"e2e_callkey/internal/protocol/recovery"
	"e2e_callkey/internal/protocol/rotation"
	"e2e_callkey/internal/utils/clock"
	"e2e_callkey/internal/utils/log"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"
)

var ErrNoSigningKey = errors.New("participant: sender has no signing key")

// maxPendingSenders bounds announcements held for senders not yet named host.
const maxPendingSenders = 8

type (
	Config struct {
		CallID   string
		Rotation rotation.Config
		Recovery recovery.Config
		// OnHostUnreachable is called after recovery gives up on the host.
		// The signalling layer is expected to elect a new host and call SetHost.
		OnHostUnreachable func(hostID string)
		// RecoveryCooldown suppresses new recovery attempts against a host
		// whose last recovery failed. Zero disables it.
		RecoveryCooldown time.Duration
		// Unsigned disables envelope signing and verification.
		Unsigned bool
	}

	Participant struct {
		cfg      Config
		identity *asymmetric.Identity
		dir      rotation.Resolver
		ch       *channel.Channel
		store    *epoch.Store
		host     *rotation.Host
		recovery *recovery.Controller
		clk      clock.Clock

		mu      sync.RWMutex
		hostID  string
		roster  []string
		pending map[string]*model.RotationAnnouncement

		cooldownHost  string
		cooldownUntil time.Time
	}
)

func New(cfg Config, identity *asymmetric.Identity, dir rotation.Resolver, transport channel.Transport, clk clock.Clock) *Participant {
	if clk == nil {
		clk = clock.Real()
	}
	p := &Participant{
		cfg:      cfg,
		identity: identity,
		dir:      dir,
		clk:      clk,
		pending:  make(map[string]*model.RotationAnnouncement),
	}

	var opts []channel.Option
	if !cfg.Unsigned {
		opts = append(opts, channel.WithSigner(identity), channel.WithVerifier(p.verify))
	}
	p.ch = channel.New(transport, cfg.CallID, identity.ParticipantID(), opts...)
	p.store = epoch.New(cfg.CallID, epoch.WithClock(clk), epoch.WithTransitionHook(p.onTransition))
	p.host = rotation.NewHost(cfg.Rotation, identity.ParticipantID(), p.Roster, dir, p.ch, p.store, clk)
	p.recovery = recovery.NewController(cfg.Recovery, p.ch, identity, p.store, p.HostID, cfg.OnHostUnreachable)
	return p
}

func (p *Participant) ID() string { return p.identity.ParticipantID() }

// Start subscribes to the participant's inbox.
func (p *Participant) Start(ctx context.Context) error {
	return p.ch.Start(ctx, p.handle)
}

// SetHost is the host hand-off hook. Becoming host re-keys immediately above
// every epoch seen so far; losing the role stops the rotation schedule. An
// announcement the new host sent before this call is applied now. ctx bounds
// the lifetime of the schedule.
func (p *Participant) SetHost(ctx context.Context, hostID string) error {
	p.mu.Lock()
	prev := p.hostID
	p.hostID = hostID
	early := p.pending[hostID]
	clear(p.pending)
	p.mu.Unlock()

	self := p.ID()
	log.Info("host changed", zap.String("participant", self), zap.String("from", prev), zap.String("to", hostID))

	if early != nil {
		log.Info("applying announcement received before hand-off",
			zap.String("host", hostID), zap.Uint64("epoch", early.Epoch))
		p.applyAnnouncement(early)
	}

	switch {
	case hostID == self && !p.host.Running():
		highest, ok := p.store.HighestEpoch()
		if _, err := p.host.TakeOver(ctx, highest, ok); err != nil {
			return fmt.Errorf("take over host role: %w", err)
		}
	case hostID != self && p.host.Running():
		p.host.Stop()
	}
	return nil
}

func (p *Participant) HostID() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hostID, p.hostID != ""
}

// IsHost reports whether this participant is currently rotating keys.
func (p *Participant) IsHost() bool {
	id, _ := p.HostID()
	return id == p.ID() && p.host.Running()
}

// SetRoster replaces the call membership used for the next rotation.
func (p *Participant) SetRoster(ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roster = slices.Clone(ids)
}

func (p *Participant) Roster() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.roster)
}

// EncryptOutgoing seals a media frame under the current key.
func (p *Participant) EncryptOutgoing(frame []byte) ([]byte, error) {
	return p.store.Encrypt(frame)
}

// DecryptIncoming opens a media frame. When no slot matches it recovers the
// current key from the host and tries once more; a frame that still fails is
// dropped with ErrDecryptExhausted and the call continues. After a failed
// recovery, frames fail fast until RecoveryCooldown has passed or the host
// changes.
func (p *Participant) DecryptIncoming(ctx context.Context, frame []byte) ([]byte, error) {
	plain, _, err := p.store.Decrypt(frame)
	if !errors.Is(err, epoch.ErrDecryptExhausted) {
		return plain, err
	}

	hostID, _ := p.HostID()
	if p.coolingDown(hostID) {
		return nil, err
	}
	if rerr := p.recovery.Recover(ctx); rerr != nil {
		log.Warn("key recovery failed", zap.String("participant", p.ID()), zap.Error(rerr))
		p.startCooldown(hostID)
	}
	plain, _, err = p.store.Decrypt(frame)
	return plain, err
}

func (p *Participant) coolingDown(hostID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cooldownHost == hostID && p.clk.Now().Before(p.cooldownUntil)
}

func (p *Participant) startCooldown(hostID string) {
	if p.cfg.RecoveryCooldown <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldownHost = hostID
	p.cooldownUntil = p.clk.Now().Add(p.cfg.RecoveryCooldown)
}

func (p *Participant) Slots() epoch.Snapshot { return p.store.Snapshot() }

func (p *Participant) Close() error {
	p.host.Stop()
	err := p.ch.Close()
	p.store.Close()
	return err
}

func (p *Participant) handle(ctx context.Context, env *model.Envelope) {
	switch env.Kind {
	case model.KindRotationAnnouncement:
		p.handleAnnouncement(env)
	case model.KindRecoveryRequest:
		p.handleRecoveryRequest(ctx, env)
	default:
		log.Debug("ignoring envelope", zap.String("kind", string(env.Kind)), zap.String("from", env.From))
	}
}

func (p *Participant) handleAnnouncement(env *model.Envelope) {
	ann, err := channel.Decode[model.RotationAnnouncement](env)
	if err != nil {
		log.Error("Decode announcement failed", zap.Error(err))
		return
	}
	if ann.RecipientID != p.ID() {
		return
	}

	p.mu.Lock()
	if env.From != p.hostID {
		p.holdLocked(env.From, ann)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.applyAnnouncement(ann)
}

// holdLocked keeps the newest announcement from a sender that is not host
// yet, in case the hand-off reaches this participant after its first key.
func (p *Participant) holdLocked(from string, ann *model.RotationAnnouncement) {
	prev, ok := p.pending[from]
	switch {
	case ok && prev.Epoch >= ann.Epoch:
		return
	case !ok && len(p.pending) >= maxPendingSenders:
		log.Warn("dropping announcement from non-host", zap.String("from", from), zap.String("host", p.hostID))
		return
	}
	log.Debug("holding announcement from non-host",
		zap.String("from", from), zap.String("host", p.hostID), zap.Uint64("epoch", ann.Epoch))
	p.pending[from] = ann
}

func (p *Participant) applyAnnouncement(ann *model.RotationAnnouncement) {
	p.host.Observe(ann.Epoch)

	key, err := p.identity.DecryptMine(ann.Ciphertext)
	if err != nil {
		log.Error("unwrap announced key failed", zap.Uint64("epoch", ann.Epoch), zap.Error(err))
		return
	}
	defer memguard.WipeBytes(key)

	err = p.store.InstallFuture(key, ann.ActivationAt, ann.Epoch)
	switch {
	case errors.Is(err, epoch.ErrStaleEpoch):
		log.Debug("dropping stale announcement", zap.Uint64("epoch", ann.Epoch))
	case err != nil:
		log.Error("install announced key failed", zap.Uint64("epoch", ann.Epoch), zap.Error(err))
	default:
		log.Info("installed announced key",
			zap.Uint64("epoch", ann.Epoch), zap.Time("activation_at", ann.ActivationAt))
	}
}

func (p *Participant) handleRecoveryRequest(ctx context.Context, env *model.Envelope) {
	if !p.IsHost() {
		log.Debug("ignoring recovery request, not host", zap.String("from", env.From))
		return
	}
	req, err := channel.Decode[model.RecoveryRequest](env)
	if err != nil || req.RequesterID != env.From {
		log.Warn("dropping malformed recovery request", zap.String("from", env.From))
		return
	}

	resp, err := p.host.HandleRecoveryRequest(ctx, req.RequesterID)
	if err != nil {
		log.Warn("cannot answer recovery request", zap.String("requester", req.RequesterID), zap.Error(err))
		err = p.ch.Reply(ctx, env, model.KindRecoveryError, &model.RecoveryError{
			RequesterID: req.RequesterID,
			Reason:      err.Error(),
		})
	} else {
		err = p.ch.Reply(ctx, env, model.KindRecoveryResponse, resp)
	}
	if err != nil {
		log.Error("reply to recovery request failed", zap.String("requester", req.RequesterID), zap.Error(err))
	}
}

func (p *Participant) verify(ctx context.Context, from string, msg, sig []byte) error {
	rec, err := p.dir.Resolve(ctx, from)
	if err != nil {
		return err
	}
	if len(rec.SigningKey) == 0 {
		return ErrNoSigningKey
	}
	return signature.ED25519Verify(rec.SigningKey, msg, sig)
}

func (p *Participant) onTransition(t epoch.Transition) {
	fields := []zap.Field{zap.String("participant", p.ID()), zap.Uint64("current", t.Current.Epoch)}
	if t.Retired != nil {
		fields = append(fields, zap.Uint64("retired", t.Retired.Epoch))
	}
	log.Info("key epoch transition", fields...)
}

// Package recovery re-obtains the current call session key from the host when
// every local slot fails to decrypt an incoming frame.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"e2e_callkey/internal/channel"
	"e2e_callkey/internal/model"
	"e2e_callkey/internal/protocol/epoch"
	"e2e_callkey/internal/utils/log"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrRecoveryTimeout = errors.New("recovery: host did not answer")
	ErrNoHost          = errors.New("recovery: no host known")
	ErrRejected        = errors.New("recovery: host rejected request")
)

type (
	Config struct {
		// Timeout bounds the wait for a single response.
		Timeout     time.Duration
		MaxAttempts int
		// Backoff is the pause after the first failed attempt, doubled after each
		// further one.
		Backoff time.Duration
	}

	Requester interface {
		Self() string
		Request(ctx context.Context, to string, kind model.Kind, payload any, timeout time.Duration) (*model.Envelope, error)
	}

	Decrypter interface {
		DecryptMine(ciphertext []byte) ([]byte, error)
	}

	// HostFunc returns the participant currently acting as host.
	HostFunc func() (string, bool)

	Controller struct {
		cfg           Config
		requester     Requester
		identity      Decrypter
		store         *epoch.Store
		host          HostFunc
		onUnreachable func(hostID string)

		group singleflight.Group
	}
)

// NewController wires a recovery controller. onUnreachable, if set, is invoked
// with the host id after every attempt has timed out.
func NewController(cfg Config, requester Requester, identity Decrypter, store *epoch.Store, host HostFunc, onUnreachable func(hostID string)) *Controller {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Controller{
		cfg:           cfg,
		requester:     requester,
		identity:      identity,
		store:         store,
		host:          host,
		onUnreachable: onUnreachable,
	}
}

// Recover asks the host for its current key and installs it as current.
// Concurrent callers share one round trip.
func (c *Controller) Recover(ctx context.Context) error {
	hostID, ok := c.host()
	if !ok || hostID == "" {
		return ErrNoHost
	}
	if hostID == c.requester.Self() {
		log.Debug("skipping recovery, this participant is host")
		return nil
	}

	_, err, shared := c.group.Do(hostID, func() (any, error) {
		return nil, c.recover(ctx, hostID)
	})
	if shared {
		log.Debug("joined in-flight recovery", zap.String("host", hostID))
	}
	return err
}

func (c *Controller) recover(ctx context.Context, hostID string) error {
	self := c.requester.Self()
	backoff := c.cfg.Backoff

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		log.Info("requesting key recovery",
			zap.String("host", hostID), zap.Int("attempt", attempt))

		resp, err := c.requester.Request(ctx, hostID, model.KindRecoveryRequest,
			&model.RecoveryRequest{RequesterID: self}, c.cfg.Timeout)
		if err == nil {
			err = c.accept(resp, self)
			if err == nil {
				return nil
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		log.Warn("key recovery attempt failed",
			zap.String("host", hostID), zap.Int("attempt", attempt), zap.Error(err))

		if attempt == c.cfg.MaxAttempts {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}

	if errors.Is(lastErr, channel.ErrRequestTimeout) {
		log.Error("host unreachable", zap.String("host", hostID), zap.Int("attempts", c.cfg.MaxAttempts))
		if c.onUnreachable != nil {
			c.onUnreachable(hostID)
		}
		return fmt.Errorf("%w after %d attempts: %w", ErrRecoveryTimeout, c.cfg.MaxAttempts, lastErr)
	}
	return lastErr
}

func (c *Controller) accept(resp *model.Envelope, self string) error {
	switch resp.Kind {
	case model.KindRecoveryError:
		body, err := channel.Decode[model.RecoveryError](resp)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrRejected, body.Reason)
	case model.KindRecoveryResponse:
	default:
		return fmt.Errorf("recovery: unexpected response kind %s", resp.Kind)
	}

	body, err := channel.Decode[model.RecoveryResponse](resp)
	if err != nil {
		return err
	}
	if body.RequesterID != self {
		return fmt.Errorf("recovery: response addressed to %s", body.RequesterID)
	}

	key, err := c.identity.DecryptMine(body.Ciphertext)
	if err != nil {
		return fmt.Errorf("unwrap recovered key: %w", err)
	}
	defer memguard.WipeBytes(key)

	err = c.store.InstallEmergencyCurrent(key, body.Epoch)
	if errors.Is(err, epoch.ErrStaleEpoch) {
		log.Info("recovered key is older than current, keeping local state", zap.Uint64("epoch", body.Epoch))
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("installed recovered key", zap.String("host", resp.From), zap.Uint64("epoch", body.Epoch))
	return nil
}

// retryable reports whether another attempt can help. A host without a current
// key may have one by the next attempt.
func retryable(err error) bool {
	return errors.Is(err, channel.ErrRequestTimeout) || errors.Is(err, ErrRejected)
}

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"e2e_callkey/internal/model"
	"e2e_callkey/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrRequestTimeout = errors.New("channel: request timed out")
	ErrNotStarted     = errors.New("channel: not started")
	ErrClosed         = errors.New("channel: closed")
)

type (
	// Handler receives every envelope that is not a response to a pending
	// Request. It runs on the receive loop and must not block on Request.
	Handler func(ctx context.Context, env *model.Envelope)

	Signer interface {
		Sign(msg []byte) []byte
	}

	// Verifier checks sig over msg for the claimed sender.
	Verifier func(ctx context.Context, from string, msg, sig []byte) error

	Option func(*Channel)

	pendingRequest struct {
		peer string
		ch   chan *model.Envelope
	}

	Channel struct {
		transport Transport
		callID    string
		self      string
		signer    Signer
		verify    Verifier

		mu      sync.Mutex
		pending map[string]pendingRequest
		sub     Subscription
		cancel  context.CancelFunc
		wg      sync.WaitGroup
		closed  bool
	}
)

func WithSigner(s Signer) Option {
	return func(c *Channel) { c.signer = s }
}

func WithVerifier(v Verifier) Option {
	return func(c *Channel) { c.verify = v }
}

func New(t Transport, callID, self string, opts ...Option) *Channel {
	c := &Channel{
		transport: t,
		callID:    callID,
		self:      self,
		pending:   make(map[string]pendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) Self() string { return c.self }

// Start subscribes to the participant's inbox and dispatches envelopes to h
// until Close is called or ctx is cancelled. It returns once the subscription
// is in place.
func (c *Channel) Start(ctx context.Context, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.sub != nil {
		return errors.New("channel: already started")
	}

	sub, err := c.transport.Subscribe(ctx, InboxTopic(c.callID, c.self))
	if err != nil {
		return fmt.Errorf("subscribe inbox: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	c.sub, c.cancel = sub, cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(ctx, sub, h)
	}()
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub, cancel := c.sub, c.cancel
	c.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		err = sub.Close()
	}
	c.wg.Wait()
	return err
}

// Send publishes payload to the inbox of to without waiting for any answer.
func (c *Channel) Send(ctx context.Context, to string, kind model.Kind, payload any) error {
	env, err := c.envelope(to, kind, "", payload)
	if err != nil {
		return err
	}
	return c.publish(ctx, env)
}

// Request sends payload and waits up to timeout for the correlated response.
func (c *Channel) Request(ctx context.Context, to string, kind model.Kind, payload any, timeout time.Duration) (*model.Envelope, error) {
	c.mu.Lock()
	started, closed := c.sub != nil, c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !started {
		return nil, ErrNotStarted
	}

	correlationID := uuid.NewString()
	env, err := c.envelope(to, kind, correlationID, payload)
	if err != nil {
		return nil, err
	}

	wait := make(chan *model.Envelope, 1)
	c.mu.Lock()
	c.pending[correlationID] = pendingRequest{peer: to, ch: wait}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
	}()

	if err := c.publish(ctx, env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-wait:
		return resp, nil
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply answers req, echoing its correlation id.
func (c *Channel) Reply(ctx context.Context, req *model.Envelope, kind model.Kind, payload any) error {
	env, err := c.envelope(req.From, kind, req.CorrelationID, payload)
	if err != nil {
		return err
	}
	return c.publish(ctx, env)
}

// Decode unmarshals the envelope payload into T.
func Decode[T any](env *model.Envelope) (*T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return &v, nil
}

func (c *Channel) envelope(to string, kind model.Kind, correlationID string, payload any) (*model.Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	env := &model.Envelope{
		ID:            uuid.NewString(),
		Kind:          kind,
		CallID:        c.callID,
		From:          c.self,
		To:            to,
		CorrelationID: correlationID,
		SentAt:        time.Now().UTC(),
		Payload:       body,
	}
	if c.signer != nil {
		msg, err := env.SigningBytes()
		if err != nil {
			return nil, err
		}
		env.Signature = c.signer.Sign(msg)
	}
	return env, nil
}

func (c *Channel) publish(ctx context.Context, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.transport.Publish(ctx, InboxTopic(c.callID, env.To), data); err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.Kind, env.To, err)
	}
	return nil
}

func (c *Channel) loop(ctx context.Context, sub Subscription, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-sub.Messages():
			if !ok {
				return
			}
			c.dispatch(ctx, data, h)
		}
	}
}

func (c *Channel) dispatch(ctx context.Context, data []byte, h Handler) {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error("Unmarshal envelope failed", zap.Error(err))
		return
	}
	if env.CallID != c.callID || env.To != c.self {
		log.Debug("dropping misaddressed envelope",
			zap.String("call_id", env.CallID), zap.String("to", env.To))
		return
	}
	if c.verify != nil {
		msg, err := env.SigningBytes()
		if err == nil {
			err = c.verify(ctx, env.From, msg, env.Signature)
		}
		if err != nil {
			log.Warn("dropping unverified envelope",
				zap.String("from", env.From), zap.String("kind", string(env.Kind)), zap.Error(err))
			return
		}
	}

	if env.CorrelationID != "" {
		c.mu.Lock()
		req, ok := c.pending[env.CorrelationID]
		c.mu.Unlock()
		if ok && env.From == req.peer {
			select {
			case req.ch <- &env:
			default:
			}
			return
		}
	}

	if h != nil {
		h(ctx, &env)
	}
}

package channel

import (
	"context"
	"sync"
)

type (
	// Loopback is an in-process Transport for tests and single-process demos.
	// A full subscriber buffer drops the message, like a lossy broker would.
	Loopback struct {
		mu     sync.RWMutex
		subs   map[string]map[*loopbackSubscription]struct{}
		filter func(topic string, data []byte) bool
	}

	loopbackSubscription struct {
		lb    *Loopback
		topic string
		out   chan []byte
		once  sync.Once
	}
)

func NewLoopback() *Loopback {
	return &Loopback{subs: make(map[string]map[*loopbackSubscription]struct{})}
}

// SetFilter installs f; a message is delivered only when f returns true.
func (l *Loopback) SetFilter(f func(topic string, data []byte) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filter = f
}

func (l *Loopback) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.filter != nil && !l.filter(topic, data) {
		return nil
	}
	for sub := range l.subs[topic] {
		select {
		case sub.out <- append([]byte(nil), data...):
		default:
		}
	}
	return nil
}

func (l *Loopback) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &loopbackSubscription{lb: l, topic: topic, out: make(chan []byte, 64)}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs[topic] == nil {
		l.subs[topic] = make(map[*loopbackSubscription]struct{})
	}
	l.subs[topic][sub] = struct{}{}
	return sub, nil
}

func (s *loopbackSubscription) Messages() <-chan []byte { return s.out }

func (s *loopbackSubscription) Close() error {
	s.once.Do(func() {
		s.lb.mu.Lock()
		delete(s.lb.subs[s.topic], s)
		s.lb.mu.Unlock()
		close(s.out)
	})
	return nil
}

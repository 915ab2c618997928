package channel

import (
	"context"
	"sync"

	"e2e_callkey/internal/service/redis"

	goredis "github.com/redis/go-redis/v9"
)

type (
	RedisTransport struct {
		svc *redis.RedisService
	}

	redisSubscription struct {
		ps   *goredis.PubSub
		out  chan []byte
		done chan struct{}
		once sync.Once
	}
)

func NewRedisTransport(svc *redis.RedisService) *RedisTransport {
	return &RedisTransport{svc: svc}
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, data []byte) error {
	return t.svc.Publish(ctx, topic, data)
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps, err := t.svc.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	sub := &redisSubscription{ps: ps, out: make(chan []byte, 64), done: make(chan struct{})}
	go sub.pump()
	return sub, nil
}

// pump forwards until the pubsub channel closes or Close is called, so a
// reader that stopped draining cannot pin it.
func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

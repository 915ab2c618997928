package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"e2e_callkey/internal/model"
	"e2e_callkey/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrTransportClosed = errors.New("channel: transport closed")

type (
	// WebsocketTransport multiplexes topics over one connection to the relay.
	WebsocketTransport struct {
		conn *websocket.Conn

		writeMu sync.Mutex

		mu     sync.Mutex
		subs   map[string]map[*wsSubscription]struct{}
		closed bool
		done   chan struct{}
	}

	wsSubscription struct {
		t     *WebsocketTransport
		topic string
		out   chan []byte
		once  sync.Once
	}
)

// DialRelay connects to the relay at host (host:port) as participantID.
func DialRelay(ctx context.Context, host, participantID string) (*WebsocketTransport, error) {
	u := url.URL{
		Scheme:   "ws",
		Host:     host,
		Path:     "/relay",
		RawQuery: url.Values{"participantID": []string{participantID}}.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return NewWebsocketTransport(conn), nil
}

func NewWebsocketTransport(conn *websocket.Conn) *WebsocketTransport {
	t := &WebsocketTransport{
		conn: conn,
		subs: make(map[string]map[*wsSubscription]struct{}),
		done: make(chan struct{}),
	}
	go t.listen()
	return t
}

func (t *WebsocketTransport) Publish(ctx context.Context, topic string, data []byte) error {
	return t.write(ctx, &model.RelayFrame{Op: model.RelayPublish, Topic: topic, Data: data})
}

func (t *WebsocketTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	sub := &wsSubscription{t: t, topic: topic, out: make(chan []byte, 64)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	first := len(t.subs[topic]) == 0
	if first {
		t.subs[topic] = make(map[*wsSubscription]struct{})
	}
	t.subs[topic][sub] = struct{}{}
	t.mu.Unlock()

	if first {
		if err := t.write(ctx, &model.RelayFrame{Op: model.RelaySubscribe, Topic: topic}); err != nil {
			sub.Close()
			return nil, err
		}
	}
	return sub, nil
}

func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.conn.Close()
	<-t.done
	return err
}

func (t *WebsocketTransport) write(ctx context.Context, frame *model.RelayFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	return t.conn.WriteJSON(frame)
}

func (t *WebsocketTransport) listen() {
	defer func() {
		t.mu.Lock()
		t.closed = true
		subs := t.subs
		t.subs = make(map[string]map[*wsSubscription]struct{})
		t.mu.Unlock()

		for _, set := range subs {
			for sub := range set {
				sub.once.Do(func() { close(sub.out) })
			}
		}
		close(t.done)
	}()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			log.Debug("relay connection closed", zap.Error(err))
			return
		}

		var frame model.RelayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Error("Unmarshal relay frame failed", zap.Error(err))
			continue
		}
		if frame.Op != model.RelayDeliver {
			continue
		}

		t.mu.Lock()
		for sub := range t.subs[frame.Topic] {
			select {
			case sub.out <- frame.Data:
			default:
				log.Warn("relay subscriber full, dropping message", zap.String("topic", frame.Topic))
			}
		}
		t.mu.Unlock()
	}
}

func (s *wsSubscription) Messages() <-chan []byte { return s.out }

func (s *wsSubscription) Close() error {
	t := s.t
	t.mu.Lock()
	set := t.subs[s.topic]
	_, ok := set[s]
	delete(set, s)
	last := ok && len(set) == 0
	if last {
		delete(t.subs, s.topic)
	}
	closed := t.closed
	t.mu.Unlock()

	if ok {
		s.once.Do(func() { close(s.out) })
	}
	if last && !closed {
		return t.write(context.Background(), &model.RelayFrame{Op: model.RelayUnsubscribe, Topic: s.topic})
	}
	return nil
}

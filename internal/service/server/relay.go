package server

import (
	"context"
	"encoding/json"
	"net/http"

	"e2e_callkey/internal/model"
	"e2e_callkey/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func (s *HttpServer) HandleRelayWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		participantID := r.URL.Query().Get("participantID")
		if participantID == "" {
			http.Error(w, "participantID cannot be empty", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		_, dup := s.conns[participantID]
		s.mu.Unlock()
		if dup {
			http.Error(w, "duplicated participantID", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("Failed to upgrade", zap.Error(err))
			return
		}

		rc := &relayConn{participantID: participantID, conn: conn, topics: make(map[string]struct{})}
		s.mu.Lock()
		if _, dup := s.conns[participantID]; dup {
			s.mu.Unlock()
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicated participantID"))
			conn.Close()
			return
		}
		s.conns[participantID] = rc
		s.mu.Unlock()

		log.Info("relay connected", zap.String("participant", participantID))
		go s.processWSMessage(rc)
	}
}

func (s *HttpServer) processWSMessage(rc *relayConn) {
	defer s.drop(rc)

	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			log.Debug("relay web socket closed", zap.String("participant", rc.participantID), zap.Error(err))
			return
		}

		var frame model.RelayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Error("Unmarshal relay frame failed", zap.Error(err))
			continue
		}

		ctx := context.Background()
		switch frame.Op {
		case model.RelayPublish:
			s.publish(ctx, frame.Topic, frame.Data)
		case model.RelaySubscribe:
			s.subscribe(ctx, rc, frame.Topic)
		case model.RelayUnsubscribe:
			s.unsubscribe(rc, frame.Topic)
		default:
			log.Warn("unknown relay op", zap.String("op", string(frame.Op)))
		}
	}
}

// publish delivers data to every subscriber of topic, or queues it when the
// topic has none yet.
func (s *HttpServer) publish(ctx context.Context, topic string, data []byte) {
	s.mu.Lock()
	subs := make([]*relayConn, 0, len(s.topics[topic]))
	for rc := range s.topics[topic] {
		subs = append(subs, rc)
	}
	if len(subs) == 0 {
		if err := s.PutFramesToCache(ctx, topic, [][]byte{data}); err != nil {
			log.Error("PutFramesToCache failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	s.mu.Unlock()

	for _, rc := range subs {
		rc.deliver(topic, data)
	}
}

func (s *HttpServer) subscribe(ctx context.Context, rc *relayConn, topic string) {
	s.mu.Lock()
	if s.topics[topic] == nil {
		s.topics[topic] = make(map[*relayConn]struct{})
	}
	s.topics[topic][rc] = struct{}{}
	rc.topics[topic] = struct{}{}

	queued, err := s.GetFramesFromCache(ctx, topic)
	s.mu.Unlock()
	if err != nil {
		log.Error("GetFramesFromCache failed", zap.String("topic", topic), zap.Error(err))
	}

	for _, data := range queued {
		rc.deliver(topic, data)
	}
}

func (s *HttpServer) unsubscribe(rc *relayConn, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(rc, topic)
}

func (s *HttpServer) removeLocked(rc *relayConn, topic string) {
	delete(rc.topics, topic)
	if set := s.topics[topic]; set != nil {
		delete(set, rc)
		if len(set) == 0 {
			delete(s.topics, topic)
		}
	}
}

func (s *HttpServer) drop(rc *relayConn) {
	s.mu.Lock()
	for topic := range rc.topics {
		s.removeLocked(rc, topic)
	}
	if s.conns[rc.participantID] == rc {
		delete(s.conns, rc.participantID)
	}
	s.mu.Unlock()

	rc.conn.Close()
	log.Info("relay disconnected", zap.String("participant", rc.participantID))
}

func (rc *relayConn) deliver(topic string, data []byte) {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	if err := rc.conn.WriteJSON(&model.RelayFrame{Op: model.RelayDeliver, Topic: topic, Data: data}); err != nil {
		log.Warn("relay write failed", zap.String("participant", rc.participantID), zap.Error(err))
	}
}

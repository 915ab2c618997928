package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"e2e_callkey/internal/model"
	"e2e_callkey/internal/service/redis"
	"e2e_callkey/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type (
	KeyRepository interface {
		GetByParticipantID(ctx context.Context, participantID string) (*model.PublicKeyRecord, error)
		Upsert(ctx context.Context, rec *model.PublicKeyRecord) (*model.PublicKeyRecord, error)
	}

	Options struct {
		Addr string
		// OfflineTTL bounds how long frames for a topic without subscribers are kept.
		OfflineTTL time.Duration
	}

	// HttpServer serves the public key directory and the websocket relay that
	// carries the key distribution channel.
	HttpServer struct {
		opts         Options
		keyRepo      KeyRepository
		redisService *redis.RedisService

		mu     sync.Mutex
		conns  map[string]*relayConn
		topics map[string]map[*relayConn]struct{}
	}

	relayConn struct {
		participantID string
		conn          *websocket.Conn
		writeMu       sync.Mutex
		topics        map[string]struct{}
	}
)

// NewHttpServer builds the server. redisSvc may be nil, in which case frames
// for absent subscribers are dropped.
func NewHttpServer(opts Options, keyRepo KeyRepository, redisSvc *redis.RedisService) *HttpServer {
	return &HttpServer{
		opts:         opts,
		keyRepo:      keyRepo,
		redisService: redisSvc,
		conns:        make(map[string]*relayConn),
		topics:       make(map[string]map[*relayConn]struct{}),
	}
}

func (s *HttpServer) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/relay", s.HandleRelayWS()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{id}", s.GetPublicKey()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{id}", s.PutPublicKey()).Methods(http.MethodPut)
	return r
}

// Run serves until ctx is cancelled.
func (s *HttpServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", s.opts.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) GetPublicKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id := mux.Vars(r)["id"]
		log.Debug("GetPublicKey", zap.String("participant", id))

		rec, err := s.keyRepo.GetByParticipantID(ctx, id)
		if err != nil {
			log.Error("Get public key failed", zap.Error(err))
			http.Error(w, "Get public key failed", http.StatusInternalServerError)
			return
		}

		if rec == nil {
			http.Error(w, "participant has no published key", http.StatusNotFound)
			return
		}

		writeJSON(w, rec)
	}
}

func (s *HttpServer) PutPublicKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := mux.Vars(r)["id"]

		var rec model.PublicKeyRecord
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&rec); err != nil {
			http.Error(w, "malformed record", http.StatusBadRequest)
			return
		}
		if rec.ParticipantID != id {
			http.Error(w, "participant id does not match path", http.StatusBadRequest)
			return
		}
		if !rec.Algorithm.Valid() || len(rec.KeyMaterial) == 0 {
			http.Error(w, "unsupported algorithm or empty key", http.StatusBadRequest)
			return
		}

		stored, err := s.keyRepo.Upsert(ctx, &rec)
		if err != nil {
			log.Error("Put public key failed", zap.Error(err))
			http.Error(w, "Put public key failed", http.StatusInternalServerError)
			return
		}
		log.Info("public key published",
			zap.String("participant", id), zap.String("algorithm", string(stored.Algorithm)), zap.Int64("version", stored.Version))

		writeJSON(w, stored)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("Marshal response failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

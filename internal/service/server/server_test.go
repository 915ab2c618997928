package server_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"e2e_callkey/internal/channel"
	"e2e_callkey/internal/model"
	"e2e_callkey/internal/service/directory"
	"e2e_callkey/internal/service/redis"
	"e2e_callkey/internal/service/server"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

type memRepo struct {
	mu      sync.Mutex
	records map[string]*model.PublicKeyRecord
}

func (r *memRepo) GetByParticipantID(ctx context.Context, id string) (*model.PublicKeyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *memRepo) Upsert(ctx context.Context, rec *model.PublicKeyRecord) (*model.PublicKeyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *rec
	if prev, ok := r.records[rec.ParticipantID]; ok {
		stored.Version = prev.Version + 1
	} else {
		stored.Version = 1
	}
	r.records[rec.ParticipantID] = &stored
	cp := stored
	return &cp, nil
}

func setup(t *testing.T) *httptest.Server {
	t.Helper()
	mr := miniredis.RunT(t)
	svc := redis.NewRedis(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { svc.Close() })

	s := server.NewHttpServer(server.Options{OfflineTTL: time.Minute},
		&memRepo{records: make(map[string]*model.PublicKeyRecord)}, svc)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestKeys_PublishAndFetch(t *testing.T) {
	srv := setup(t)
	src := directory.NewHTTPSource(srv.URL, srv.Client())
	ctx := context.Background()

	rec := &model.PublicKeyRecord{ParticipantID: "alice", Algorithm: model.AlgorithmECP256, KeyMaterial: []byte{4, 1, 2}}
	stored, err := src.Publish(ctx, rec)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if stored.Version != 1 {
		t.Fatalf("version = %d, want 1", stored.Version)
	}

	rec.Algorithm = model.AlgorithmRSA2048
	if stored, err = src.Publish(ctx, rec); err != nil || stored.Version != 2 {
		t.Fatalf("republish: %+v %v", stored, err)
	}

	got, err := src.Fetch(ctx, "alice")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Algorithm != model.AlgorithmRSA2048 || got.Version != 2 {
		t.Fatalf("got %+v", got)
	}

	if _, err := src.Fetch(ctx, "nobody"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("unknown participant: got %v, want ErrNotFound", err)
	}
}

func TestKeys_RejectsInvalidRecords(t *testing.T) {
	srv := setup(t)

	cases := map[string]string{
		"path mismatch":  `{"participant_id":"bob","algorithm":"ec-p256","key_material":"AQI="}`,
		"bad algorithm":  `{"participant_id":"alice","algorithm":"dsa","key_material":"AQI="}`,
		"empty key":      `{"participant_id":"alice","algorithm":"ec-p256"}`,
		"malformed json": `{`,
	}
	for name, body := range cases {
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/keys/alice", strings.NewReader(body))
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
}

func dial(t *testing.T, srv *httptest.Server, id string) *channel.WebsocketTransport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := channel.DialRelay(ctx, strings.TrimPrefix(srv.URL, "http://"), id)
	if err != nil {
		t.Fatalf("DialRelay(%s): %v", id, err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestRelay_RequestResponse(t *testing.T) {
	srv := setup(t)
	ctx := context.Background()

	var host *channel.Channel
	host = channel.New(dial(t, srv, "host"), "call-1", "host")
	if err := host.Start(ctx, func(ctx context.Context, env *model.Envelope) {
		host.Reply(ctx, env, model.KindRecoveryResponse, &model.RecoveryResponse{RequesterID: env.From, Epoch: 9})
	}); err != nil {
		t.Fatalf("Start host: %v", err)
	}
	t.Cleanup(func() { host.Close() })

	peer := channel.New(dial(t, srv, "peer"), "call-1", "peer")
	if err := peer.Start(ctx, nil); err != nil {
		t.Fatalf("Start peer: %v", err)
	}
	t.Cleanup(func() { peer.Close() })

	resp, err := peer.Request(ctx, "host", model.KindRecoveryRequest, &model.RecoveryRequest{RequesterID: "peer"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	body, err := channel.Decode[model.RecoveryResponse](resp)
	if err != nil || body.Epoch != 9 {
		t.Fatalf("response %+v %v", body, err)
	}
}

func TestRelay_QueuesUntilSubscribed(t *testing.T) {
	srv := setup(t)
	ctx := context.Background()
	topic := channel.InboxTopic("call-1", "late")

	sender := dial(t, srv, "early")
	if err := sender.Publish(ctx, topic, []byte("queued")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// Give the relay time to queue before the subscriber appears.
	time.Sleep(50 * time.Millisecond)

	sub, err := dial(t, srv, "late").Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	select {
	case data := <-sub.Messages():
		if string(data) != "queued" {
			t.Fatalf("got %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued frame not delivered")
	}
}

func TestRelay_RejectsDuplicateParticipant(t *testing.T) {
	srv := setup(t)
	dial(t, srv, "alice")
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := channel.DialRelay(ctx, strings.TrimPrefix(srv.URL, "http://"), "alice"); err == nil {
		t.Fatal("second connection for the same participant was accepted")
	}
}

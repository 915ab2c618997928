package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"e2e_callkey/internal/model"
)

// HTTPSource talks to the directory API served by cmd/server.
type HTTPSource struct {
	base   string
	client *http.Client
}

func NewHTTPSource(base string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{base: base, client: client}
}

func (s *HTTPSource) keyURL(participantID string) (string, error) {
	u, err := url.Parse(s.base)
	if err != nil {
		return "", err
	}
	return u.JoinPath("keys", participantID).String(), nil
}

func (s *HTTPSource) Fetch(ctx context.Context, participantID string) (*model.PublicKeyRecord, error) {
	u, err := s.keyURL(participantID)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("GET %s: %s", u, resp.Status)
	}

	var rec model.PublicKeyRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Publish registers rec as the participant's current key and returns the
// record as stored, with its assigned version.
func (s *HTTPSource) Publish(ctx context.Context, rec *model.PublicKeyRecord) (*model.PublicKeyRecord, error) {
	u, err := s.keyURL(rec.ParticipantID)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("PUT %s: %s", u, resp.Status)
	}

	var stored model.PublicKeyRecord
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

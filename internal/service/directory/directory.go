package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"e2e_callkey/internal/model"
	"e2e_callkey/internal/utils/log"

	"go.uber.org/zap"
)

var (
	// ErrLookupFailed marks a retryable directory failure for one participant.
	ErrLookupFailed = errors.New("directory: lookup failed")
	ErrNotFound     = errors.New("directory: participant not found")
)

type (
	Source interface {
		Fetch(ctx context.Context, participantID string) (*model.PublicKeyRecord, error)
	}

	Cache interface {
		Get(ctx context.Context, participantID string) (*model.PublicKeyRecord, bool, error)
		Set(ctx context.Context, rec *model.PublicKeyRecord, ttl time.Duration) error
		Delete(ctx context.Context, participantID string) error
	}

	// Directory resolves participant ids to published public keys, caching
	// answers for ttl. A nil cache disables caching.
	Directory struct {
		source Source
		cache  Cache
		ttl    time.Duration
	}
)

func New(source Source, cache Cache, ttl time.Duration) *Directory {
	return &Directory{
		source: source,
		cache:  cache,
		ttl:    ttl,
	}
}

// Resolve returns the current record for participantID. Every failure wraps
// ErrLookupFailed so callers can retry per participant.
func (d *Directory) Resolve(ctx context.Context, participantID string) (*model.PublicKeyRecord, error) {
	if d.cache != nil {
		rec, ok, err := d.cache.Get(ctx, participantID)
		if err != nil {
			log.Warn("directory cache read failed", zap.String("participant", participantID), zap.Error(err))
		} else if ok {
			return rec, nil
		}
	}

	rec, err := d.source.Fetch(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLookupFailed, participantID, err)
	}
	if rec.ParticipantID != participantID || !rec.Algorithm.Valid() || len(rec.KeyMaterial) == 0 {
		return nil, fmt.Errorf("%w: %s: malformed record", ErrLookupFailed, participantID)
	}

	if d.cache != nil {
		if err := d.cache.Set(ctx, rec, d.ttl); err != nil {
			log.Warn("directory cache write failed", zap.String("participant", participantID), zap.Error(err))
		}
	}
	return rec, nil
}

// Invalidate drops the cached record so the next Resolve goes to the source.
func (d *Directory) Invalidate(ctx context.Context, participantID string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Delete(ctx, participantID); err != nil {
		log.Warn("directory cache invalidate failed", zap.String("participant", participantID), zap.Error(err))
	}
}

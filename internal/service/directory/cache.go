package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"e2e_callkey/internal/model"
	"e2e_callkey/internal/service/redis"
)

type RedisCache struct {
	redisService *redis.RedisService
}

func NewRedisCache(svc *redis.RedisService) *RedisCache {
	return &RedisCache{redisService: svc}
}

func cacheKey(participantID string) string {
	return fmt.Sprintf("callkey:pubkey:%s", participantID)
}

func (c *RedisCache) Get(ctx context.Context, participantID string) (*model.PublicKeyRecord, bool, error) {
	v, err := c.redisService.Get(ctx, cacheKey(participantID))
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var rec model.PublicKeyRecord
	if err := json.Unmarshal([]byte(v), &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (c *RedisCache) Set(ctx context.Context, rec *model.PublicKeyRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.redisService.Set(ctx, cacheKey(rec.ParticipantID), data, ttl)
}

func (c *RedisCache) Delete(ctx context.Context, participantID string) error {
	return c.redisService.Del(ctx, cacheKey(participantID))
}

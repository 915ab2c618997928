package server

import (
	"context"
	"fmt"
)

func queueKey(topic string) string {
	return fmt.Sprintf("callkey:relay:queue:%s", topic)
}

// GetFramesFromCache drains the frames queued for topic.
func (s *HttpServer) GetFramesFromCache(ctx context.Context, topic string) ([][]byte, error) {
	if s.redisService == nil {
		return nil, nil
	}

	key := queueKey(topic)
	vals, err := s.redisService.LRange(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	if err := s.redisService.Del(ctx, key); err != nil {
		return nil, err
	}

	res := make([][]byte, 0, len(vals))
	for _, v := range vals {
		res = append(res, []byte(v))
	}
	return res, nil
}

func (s *HttpServer) PutFramesToCache(ctx context.Context, topic string, frames [][]byte) error {
	if s.redisService == nil || len(frames) == 0 {
		return nil
	}

	key := queueKey(topic)
	vals := make([]any, 0, len(frames))
	for _, f := range frames {
		vals = append(vals, f)
	}
	if err := s.redisService.RPush(ctx, key, vals...); err != nil {
		return err
	}
	if s.opts.OfflineTTL > 0 {
		return s.redisService.Expire(ctx, key, s.opts.OfflineTTL)
	}
	return nil
}

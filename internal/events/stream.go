// Package events publishes executor events to Redis Streams so that other
// processes can follow runs live.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/taskforge/internal/executor"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "taskforge:events"

const defaultMaxLen = 10000

// Stream is an executor.Observer backed by a Redis stream.
type Stream struct {
	rdb    *redis.Client
	key    string
	maxLen int64
	logger *zap.Logger
}

// Open connects to redisURL and verifies the connection.
func Open(ctx context.Context, redisURL, key string, logger *zap.Logger) (*Stream, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(rdb, key, logger), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, key string, logger *zap.Logger) *Stream {
	if key == "" {
		key = DefaultStream
	}
	return &Stream{rdb: rdb, key: key, maxLen: defaultMaxLen, logger: logger}
}

// Key returns the stream key.
func (s *Stream) Key() string { return s.key }

// Publish appends ev to the stream, trimming it to roughly maxLen entries.
func (s *Stream) Publish(ctx context.Context, ev executor.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":   string(ev.Type),
			"run_id": ev.RunID,
			"data":   string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", s.key, err)
	}
	s.logger.Debug("published event",
		zap.String("type", string(ev.Type)),
		zap.String("run_id", ev.RunID))
	return nil
}

// Observe implements executor.Observer. Publishing failures are logged; a
// broken stream never fails a run.
func (s *Stream) Observe(ctx context.Context, ev executor.Event) {
	if err := s.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("event publish failed", zap.Error(err))
	}
}

// Subscribe follows the stream from the given ID ("$" for new entries
// only, "0" for the full history). The channel closes when ctx is done.
func (s *Stream) Subscribe(ctx context.Context, from string) <-chan executor.Event {
	ch := make(chan executor.Event, 16)
	if from == "" {
		from = "$"
	}

	go func() {
		defer close(ch)
		lastID := from

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := s.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{s.key, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					s.logger.Warn("stream read failed", zap.String("stream", s.key), zap.Error(err))
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev executor.Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (s *Stream) Close() error {
	return s.rdb.Close()
}

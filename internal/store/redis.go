package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/metrics"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/models"
)

// maxRoomMessages bounds each room's stored history.
const maxRoomMessages = 1000

// RoomEvent is one payload published to a room's event channel.
type RoomEvent struct {
	RoomID  string
	Payload []byte
}

// RedisStore handles Redis operations for room history and cross-instance
// fan-out.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Client exposes the underlying client for the rate limiter.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// roomMessagesKey returns the key for a room's message sorted set.
func roomMessagesKey(roomID string) string {
	return fmt.Sprintf("room:%s:messages", roomID)
}

// roomEventsChannel returns the pub/sub channel of a room.
func roomEventsChannel(roomID string) string {
	return fmt.Sprintf("room:%s:events", roomID)
}

// roomFromChannel extracts the room id from a pub/sub channel name.
func roomFromChannel(channel string) (string, bool) {
	rest, ok := strings.CutPrefix(channel, "room:")
	if !ok {
		return "", false
	}
	return strings.CutSuffix(rest, ":events")
}

func observeRedis(start time.Time) {
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
}

// AppendMessage stores a message in its room's history.
func (s *RedisStore) AppendMessage(ctx context.Context, msg models.ChatMessage) error {
	defer observeRedis(time.Now())

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	key := roomMessagesKey(msg.RoomID)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(msg.Time().UnixMicro()),
		Member: string(data),
	})
	// Keep only the newest maxRoomMessages entries
	pipe.ZRemRangeByRank(ctx, key, 0, -maxRoomMessages-1)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentMessages returns the newest limit messages of a room, oldest first.
func (s *RedisStore) RecentMessages(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	defer observeRedis(time.Now())

	if limit <= 0 {
		return []models.ChatMessage{}, nil
	}
	results, err := s.client.ZRevRange(ctx, roomMessagesKey(roomID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]models.ChatMessage, 0, len(results))
	for i := len(results) - 1; i >= 0; i-- {
		var msg models.ChatMessage
		if err := json.Unmarshal([]byte(results[i]), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Publish sends a payload to every instance subscribed to the room.
func (s *RedisStore) Publish(ctx context.Context, roomID string, payload []byte) error {
	defer observeRedis(time.Now())
	return s.client.Publish(ctx, roomEventsChannel(roomID), payload).Err()
}

// Subscribe delivers the events of every room until ctx is done.
func (s *RedisStore) Subscribe(ctx context.Context) (<-chan RoomEvent, error) {
	sub := s.client.PSubscribe(ctx, roomEventsChannel("*"))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan RoomEvent, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				roomID, ok := roomFromChannel(m.Channel)
				if !ok {
					continue
				}
				select {
				case out <- RoomEvent{RoomID: roomID, Payload: []byte(m.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

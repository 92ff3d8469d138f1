package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher relays updates onto Redis pub/sub so spectators on other
// nodes can follow a match. Channel layout is match.<id>.state.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher connects a publisher to the given Redis instance.
func NewRedisPublisher(addr, password string, db int) *RedisPublisher {
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// NewRedisPublisherFromClient wraps an existing client, for callers that
// share a connection pool.
func NewRedisPublisherFromClient(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// NewRedisPublisherFromURL connects using a redis:// URL.
func NewRedisPublisherFromURL(url string) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("fanout: parse redis url: %w", err)
	}
	return &RedisPublisher{client: redis.NewClient(opt)}, nil
}

// Channel returns the pub/sub channel for a match.
func Channel(matchID string) string {
	return fmt.Sprintf("match.%s.state", matchID)
}

func (p *RedisPublisher) Send(ctx context.Context, u Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("fanout: marshal update: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(u.MatchID), payload).Err(); err != nil {
		return fmt.Errorf("fanout: redis publish: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

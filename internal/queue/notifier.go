package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ReloadPublisher tells the device runtime to re-read its model settings.
type ReloadPublisher struct {
	client  *redis.Client
	channel string
}

func NewReloadPublisher(client *redis.Client, channel string) *ReloadPublisher {
	return &ReloadPublisher{client: client, channel: channel}
}

// Reload publishes a reload notice and returns how many subscribers received it.
func (p *ReloadPublisher) Reload(ctx context.Context) (int64, error) {
	n, err := p.client.Publish(ctx, p.channel, "reload").Result()
	if err != nil {
		return 0, fmt.Errorf("publish reload: %w", err)
	}
	return n, nil
}

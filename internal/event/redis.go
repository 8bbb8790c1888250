package event

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
)

// RedisPublisher publishes events on Redis Pub/Sub. Each event goes to its
// credit type's market channel and to one channel per recipient account:
//
//	<prefix>:market:<credit_type_id>
//	<prefix>:account:<account_id>
type RedisPublisher struct {
	client goredis.UniversalClient
	prefix string
}

// NewRedisPublisher creates a publisher on client.
func NewRedisPublisher(client goredis.UniversalClient, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

// MarketChannel returns the channel carrying a credit type's events.
func (p *RedisPublisher) MarketChannel(creditTypeID string) string {
	return fmt.Sprintf("%s:market:%s", p.prefix, creditTypeID)
}

// AccountChannel returns the channel carrying one account's events.
func (p *RedisPublisher) AccountChannel(accountID string) string {
	return fmt.Sprintf("%s:account:%s", p.prefix, accountID)
}

// Publish implements Publisher. The batch is sent in one pipeline.
func (p *RedisPublisher) Publish(ctx context.Context, events []Event) error {
	pipe := p.client.Pipeline()
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}
		pipe.Publish(ctx, p.MarketChannel(e.CreditTypeID), payload)
		for _, acct := range e.Recipients() {
			pipe.Publish(ctx, p.AccountChannel(acct), payload)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

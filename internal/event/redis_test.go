package event

import (
	"context"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

func TestRedisPublisher_Channels(t *testing.T) {
	p := NewRedisPublisher(nil, "cx")
	if got := p.MarketChannel("VCS-2020"); got != "cx:market:VCS-2020" {
		t.Errorf("market channel = %s", got)
	}
	if got := p.AccountChannel("alice"); got != "cx:account:alice" {
		t.Errorf("account channel = %s", got)
	}
}

func TestRedisPublisher_UnreachableServer(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	p := NewRedisPublisher(client, "cx")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.Publish(ctx, []Event{NewTradeExecuted(testTrade())}); err == nil {
		t.Error("expected an error publishing to an unreachable server")
	}
}

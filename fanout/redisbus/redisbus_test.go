package redisbus

import (
	"context"
	"testing"

	"github.com/ggoodman/sportstream-go/fanout"
	"github.com/ggoodman/sportstream-go/fanout/fanouttest"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedisBus(t *testing.T) {
	probe := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := probe.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	_ = probe.Close()

	fanouttest.Run(t, func(t *testing.T) (fanout.Bus, fanout.Bus) {
		topic := "test:fanout:" + uuid.NewString()
		mk := func() fanout.Bus {
			b, err := New(Config{Client: redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Topic: topic})
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			t.Cleanup(func() { _ = b.Close() })
			return b
		}
		return mk(), mk()
	})
}

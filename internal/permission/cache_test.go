package permission

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/filament-chat/filament-server/internal/idkit"
)

func newTestRedisCache(t *testing.T) *RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisCache(client)
}

func TestRedisCacheGetMiss(t *testing.T) {
	c := newTestRedisCache(t)
	_, ok, err := c.Get(context.Background(), idkit.New(), idkit.New())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected cache miss")
	}
}

func TestRedisCacheSetGet(t *testing.T) {
	c := newTestRedisCache(t)
	userID, channelID := idkit.New(), idkit.New()

	if err := c.Set(context.Background(), userID, channelID, ViewChannel|SendMessages); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := c.Get(context.Background(), userID, channelID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got != ViewChannel|SendMessages {
		t.Fatalf("got %v, want %v", got, ViewChannel|SendMessages)
	}
}

func TestRedisCacheDeleteExact(t *testing.T) {
	c := newTestRedisCache(t)
	userID, channelID := idkit.New(), idkit.New()
	_ = c.Set(context.Background(), userID, channelID, ViewChannel)

	if err := c.DeleteExact(context.Background(), userID, channelID); err != nil {
		t.Fatalf("DeleteExact: %v", err)
	}

	_, ok, _ := c.Get(context.Background(), userID, channelID)
	if ok {
		t.Fatal("expected cache miss after delete")
	}
}

func TestRedisCacheDeleteByUser(t *testing.T) {
	c := newTestRedisCache(t)
	userID := idkit.New()
	chanA, chanB := idkit.New(), idkit.New()
	_ = c.Set(context.Background(), userID, chanA, ViewChannel)
	_ = c.Set(context.Background(), userID, chanB, ViewChannel)

	if err := c.DeleteByUser(context.Background(), userID); err != nil {
		t.Fatalf("DeleteByUser: %v", err)
	}

	if _, ok, _ := c.Get(context.Background(), userID, chanA); ok {
		t.Fatal("expected chanA cleared")
	}
	if _, ok, _ := c.Get(context.Background(), userID, chanB); ok {
		t.Fatal("expected chanB cleared")
	}
}

func TestRedisCacheDeleteByChannel(t *testing.T) {
	c := newTestRedisCache(t)
	channelID := idkit.New()
	userA, userB := idkit.New(), idkit.New()
	_ = c.Set(context.Background(), userA, channelID, ViewChannel)
	_ = c.Set(context.Background(), userB, channelID, ViewChannel)

	if err := c.DeleteByChannel(context.Background(), channelID); err != nil {
		t.Fatalf("DeleteByChannel: %v", err)
	}

	if _, ok, _ := c.Get(context.Background(), userA, channelID); ok {
		t.Fatal("expected userA entry cleared")
	}
	if _, ok, _ := c.Get(context.Background(), userB, channelID); ok {
		t.Fatal("expected userB entry cleared")
	}
}

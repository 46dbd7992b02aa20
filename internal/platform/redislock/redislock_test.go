package redislock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

func TestOptions(t *testing.T) {
	l := New(nil, WithPrefix("p:"), WithTTL(0))
	if l.prefix != "p:" || l.ttl != defaultTTL {
		t.Fatalf("options = %q %s", l.prefix, l.ttl)
	}
	if l := New(nil, WithTTL(time.Second)); l.ttl != time.Second {
		t.Fatalf("ttl = %s", l.ttl)
	}
}

func TestLockerRedis(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	prefix := "custody-test:" + uuid.NewString() + ":"
	a := New(client, WithPrefix(prefix), WithTTL(300*time.Millisecond))
	b := New(client, WithPrefix(prefix), WithTTL(300*time.Millisecond))

	lease, unlock, ok, err := a.TryLock(ctx, "alice.testnet")
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	if _, _, ok, err := b.TryLock(ctx, "alice.testnet"); err != nil || ok {
		t.Fatalf("second replica acquired a held lock: ok=%v err=%v", ok, err)
	}

	// The holder keeps refreshing past the original lease.
	time.Sleep(time.Second)
	if _, _, ok, _ := b.TryLock(ctx, "alice.testnet"); ok {
		t.Fatalf("lease expired while held")
	}
	if lease.Err() != nil {
		t.Fatalf("lease cancelled while held: %v", lease.Err())
	}

	unlock()
	unlock()
	if lease.Err() == nil {
		t.Fatalf("lease still live after unlock")
	}
	_, unlockB, ok, err := b.TryLock(ctx, "alice.testnet")
	if err != nil || !ok {
		t.Fatalf("lock after release: ok=%v err=%v", ok, err)
	}
	unlockB()

	if n, err := client.Exists(ctx, prefix+"alice.testnet").Result(); err != nil || n != 0 {
		t.Fatalf("key left behind: %d %v", n, err)
	}
}

func TestLockerRedisLeaseLost(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	prefix := "custody-test:" + uuid.NewString() + ":"
	l := New(client, WithPrefix(prefix), WithTTL(300*time.Millisecond))

	lease, unlock, ok, err := l.TryLock(ctx, "bob.testnet")
	if err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}
	defer unlock()

	// Another replica takes the key after the lease lapsed.
	if err := client.Set(ctx, prefix+"bob.testnet", "someone-else", time.Minute).Err(); err != nil {
		t.Fatalf("overwrite key: %v", err)
	}

	select {
	case <-lease.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("lease not cancelled after the key changed owner")
	}
	unlock()
	if v, err := client.Get(ctx, prefix+"bob.testnet").Result(); err != nil || v != "someone-else" {
		t.Fatalf("unlock released a key it no longer owns: %q %v", v, err)
	}
	client.Del(ctx, prefix+"bob.testnet")
}

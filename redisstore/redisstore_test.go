package redisstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/danweinerdev/go-reqstats"
	"github.com/redis/go-redis/v9"
)

var testTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func redisAvailable(t *testing.T) {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:6379",
		DialTimeout: 100 * time.Millisecond,
	})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
}

func TestNewBackend(t *testing.T) {
	b := New(reqstats.RedisConfig{Address: "localhost:6379", Stream: "s"}, nil)

	if b.Name() != "redis" {
		t.Errorf("Name() = %q, want %q", b.Name(), "redis")
	}
	if b.Healthy() {
		t.Error("Backend should not be healthy before Initialize()")
	}
}

func TestWriteNotInitialized(t *testing.T) {
	b := New(reqstats.RedisConfig{Stream: "s"}, nil)

	records := []reqstats.Record{{RecordedAt: testTime, Server: "web1", Endpoint: "/a", Duration: 0.5}}
	if err := b.Write(context.Background(), records); err == nil {
		t.Error("Write() should fail when not initialized")
	}
	if err := b.Write(context.Background(), nil); err != nil {
		t.Errorf("Write() with empty batch should not error, got %v", err)
	}
}

func TestCloseNilClient(t *testing.T) {
	b := New(reqstats.RedisConfig{}, nil)
	if err := b.Close(); err != nil {
		t.Errorf("Close() with nil client should not error, got %v", err)
	}
}

func TestAddArgs(t *testing.T) {
	r := reqstats.Record{RecordedAt: testTime, Server: "web1", Endpoint: "/a", Duration: 0.125}

	b := New(reqstats.RedisConfig{Stream: "stats"}, nil)
	args := b.addArgs(r)
	if args.Stream != "stats" {
		t.Errorf("Stream = %q, want %q", args.Stream, "stats")
	}
	if args.MaxLen != 0 || args.Approx {
		t.Errorf("MaxLen = %d Approx = %v, want unbounded", args.MaxLen, args.Approx)
	}
	values := args.Values.([]interface{})
	want := []interface{}{
		"server", "web1",
		"endpoint", "/a",
		"duration", "0.125",
		"recorded_at", "2024-01-01T00:00:00Z",
	}
	if fmt.Sprint(values) != fmt.Sprint(want) {
		t.Errorf("Values = %v, want %v", values, want)
	}

	b = New(reqstats.RedisConfig{Stream: "stats", MaxLen: 1000}, nil)
	args = b.addArgs(r)
	if args.MaxLen != 1000 || !args.Approx {
		t.Errorf("MaxLen = %d Approx = %v, want 1000 approx", args.MaxLen, args.Approx)
	}
}

func TestInitializeUnreachable(t *testing.T) {
	b := New(reqstats.RedisConfig{Address: "127.0.0.1:1", Stream: "s"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Initialize(ctx); err == nil {
		t.Fatal("Initialize() should fail when Redis is unreachable")
	}
	if b.Healthy() {
		t.Error("Backend should not be healthy after a failed Initialize()")
	}
}

func TestWriteStream(t *testing.T) {
	redisAvailable(t)

	stream := fmt.Sprintf("reqstats:test:%d", time.Now().UnixNano())
	b := New(reqstats.RedisConfig{Address: "localhost:6379", Stream: stream}, nil)
	ctx := context.Background()
	if err := b.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	defer b.Close()

	records := []reqstats.Record{
		{RecordedAt: testTime, Server: "web1", Endpoint: "/a", Duration: 0.5},
		{RecordedAt: testTime, Server: "web2", Endpoint: "/b", Duration: 1.5},
	}
	if err := b.Write(ctx, records); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	check := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer check.Close()
	defer check.Del(ctx, stream)

	entries, err := check.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("stream has %d entries, want 2", len(entries))
	}
	if entries[1].Values["server"] != "web2" || entries[1].Values["duration"] != "1.5" {
		t.Errorf("entry 1 = %v", entries[1].Values)
	}
}

package redisstore

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"lds.li/authserver/internal/config"
	"lds.li/authserver/store"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, "test:"), mr
}

func TestRedisStore(t *testing.T) {
	store.TestStore(t, func(t *testing.T) store.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	if err := s.SaveAuthCode(ctx, &store.AuthCode{Code: "c1", Expires: time.Now().Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("test:code:c1"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("want code ttl within a minute, got %s", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := s.GetAuthCode(ctx, "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("want ErrNotFound after ttl, got %v", err)
	}
}

func TestKeyPrefix(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	if err := s.CreateClient(ctx, &store.Client{ClientID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("test:client:c1") {
		t.Errorf("client not stored under prefixed key, keys: %v", mr.Keys())
	}
}

func TestConnectionFailure(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	s := NewWithClient(client, "test:")
	mr.Close()

	_, err = s.GetClient(ctx, "c1")
	if err == nil || errors.Is(err, store.ErrNotFound) {
		t.Errorf("want a connection error, got %v", err)
	}
}

func TestStalledServer(t *testing.T) {
	// a server that accepts connections and never replies
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	client := newClient(config.RedisConfig{Addr: ln.Addr().String()})
	t.Cleanup(func() { _ = client.Close() })
	s := store.WithTimeout(NewWithClient(client, "test:"), 100*time.Millisecond)

	start := time.Now()
	_, err = s.GetClient(context.Background(), "c1")
	elapsed := time.Since(start)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want DeadlineExceeded, got %v", err)
	}
	if elapsed >= DefaultReadTimeout {
		t.Errorf("store timeout not applied to socket reads, call took %s", elapsed)
	}
}

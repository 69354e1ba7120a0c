package memstore

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/hrcloud/edge/domain"
)

func TestStore(t *testing.T) {
	key := domain.RequestKey{Method: "GET", URL: "http://hrcloud.test/app.js"}

	t.Run("should isolate stored captures from later caller changes", func(t *testing.T) {
		store := New()
		ctx := context.Background()
		store.OpenStore(ctx, "cache-v1")

		res := &domain.CapturedResponse{StatusCode: 200, Status: "200 OK", Header: http.Header{"X-A": {"1"}}, Body: []byte("abc")}
		if err := store.Put(ctx, "cache-v1", key, res); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		res.Body[0] = 'z'
		res.Header.Set("X-A", "2")

		got, err := store.Match(ctx, "cache-v1", key)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if string(got.Body) != "abc" || got.Header.Get("X-A") != "1" {
			t.Fatalf("\nwanted:\nabc 1\ngot:\n%s %s", got.Body, got.Header.Get("X-A"))
		}
	})

	t.Run("should distinguish a missing store from a missing entry", func(t *testing.T) {
		store := New()
		ctx := context.Background()

		if _, err := store.Match(ctx, "cache-v1", key); !errors.Is(err, domain.ErrStoreNotFound) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrStoreNotFound, err)
		}

		store.OpenStore(ctx, "cache-v1")
		if _, err := store.Match(ctx, "cache-v1", key); !errors.Is(err, domain.ErrEntryNotFound) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrEntryNotFound, err)
		}
	})

	t.Run("should refuse non-GET keys", func(t *testing.T) {
		store := New()
		ctx := context.Background()
		store.OpenStore(ctx, "cache-v1")

		err := store.Put(ctx, "cache-v1", domain.RequestKey{Method: "PUT", URL: key.URL}, &domain.CapturedResponse{})
		if !errors.Is(err, domain.ErrNotCacheable) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrNotCacheable, err)
		}
	})

	t.Run("seed should report rejected writes", func(t *testing.T) {
		err := New().Seed("cache-v1", domain.RequestKey{Method: "POST", URL: key.URL}, &domain.CapturedResponse{})
		if !errors.Is(err, domain.ErrNotCacheable) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrNotCacheable, err)
		}
	})

	t.Run("should delete whole stores", func(t *testing.T) {
		store := New()
		if err := store.Seed("cache-v1", key, &domain.CapturedResponse{StatusCode: 200}); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if err := store.Seed("cache-v2", key, &domain.CapturedResponse{StatusCode: 200}); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		deleted, err := store.DeleteStore(context.Background(), "cache-v1")
		if err != nil || !deleted {
			t.Fatalf("\nwanted:\ntrue nil\ngot:\n%v %v", deleted, err)
		}

		got := store.Snapshot()
		if len(got) != 1 || got["cache-v2"] != 1 {
			t.Fatalf("\nwanted:\nmap[cache-v2:1]\ngot:\n%v", got)
		}
	})
}

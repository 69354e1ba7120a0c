package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/hrcloud/edge/domain"
)

func TestCacheRepo_OpenStore(t *testing.T) {
	t.Run("should create the store once and ignore repeated opens", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()
		ctx := context.Background()

		testStore(t, repo, "cache-v1")
		testStore(t, repo, "cache-v1")
		testStore(t, repo, "cache-v2")

		got, err := repo.StoreNames(ctx)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		want := []string{"cache-v1", "cache-v2"}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", want, got)
		}
	})

	t.Run("should keep existing entries when reopened", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()
		ctx := context.Background()

		testStore(t, repo, "cache-v1")
		key := domain.RequestKey{Method: "GET", URL: "http://hrcloud.test/app.js"}
		if err := repo.Put(ctx, "cache-v1", key, testCaptured("console.log(1)", "text/javascript")); err != nil {
			t.Fatalf("putting entry: %v", err)
		}
		testStore(t, repo, "cache-v1")

		count, err := repo.CountEntries(ctx, "cache-v1")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if count != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", count)
		}
	})
}

func TestCacheRepo_PutAndMatch(t *testing.T) {
	key := domain.RequestKey{Method: "GET", URL: "http://hrcloud.test/"}

	t.Run("should return the exact captured bytes and headers", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()
		ctx := context.Background()
		testStore(t, repo, "cache-v1")

		want := testCaptured("<html><body>logbook</body></html>", "text/html; charset=utf-8")
		want.Header.Set("X-Build", "42")

		if err := repo.Put(ctx, "cache-v1", key, want); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		got, err := repo.Match(ctx, "cache-v1", key)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if !bytes.Equal(got.Body, want.Body) {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", want.Body, got.Body)
		}
		if got.StatusCode != want.StatusCode || got.Status != want.Status {
			t.Fatalf("\nwanted:\n%d %q\ngot:\n%d %q", want.StatusCode, want.Status, got.StatusCode, got.Status)
		}
		if got.Header.Get("X-Build") != "42" {
			t.Fatalf("\nwanted:\n42\ngot:\n%q", got.Header.Get("X-Build"))
		}
		if !got.CapturedAt.Equal(want.CapturedAt) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", want.CapturedAt, got.CapturedAt)
		}
	})

	t.Run("should replace an existing entry by key", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()
		ctx := context.Background()
		testStore(t, repo, "cache-v1")

		if err := repo.Put(ctx, "cache-v1", key, testCaptured("first", "text/plain")); err != nil {
			t.Fatalf("putting first: %v", err)
		}
		if err := repo.Put(ctx, "cache-v1", key, testCaptured("second", "text/plain")); err != nil {
			t.Fatalf("putting second: %v", err)
		}

		got, err := repo.Match(ctx, "cache-v1", key)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if string(got.Body) != "second" {
			t.Fatalf("\nwanted:\nsecond\ngot:\n%q", got.Body)
		}

		count, err := repo.CountEntries(ctx, "cache-v1")
		if err != nil {
			t.Fatalf("counting entries: %v", err)
		}
		if count != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", count)
		}
	})

	t.Run("should return ErrEntryNotFound for a missing key", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()
		testStore(t, repo, "cache-v1")

		_, err := repo.Match(context.Background(), "cache-v1", key)
		if !errors.Is(err, domain.ErrEntryNotFound) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrEntryNotFound, err)
		}
	})

	t.Run("should return ErrStoreNotFound for a missing store", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()
		ctx := context.Background()

		_, err := repo.Match(ctx, "cache-missing", key)
		if !errors.Is(err, domain.ErrStoreNotFound) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrStoreNotFound, err)
		}

		err = repo.Put(ctx, "cache-missing", key, testCaptured("x", "text/plain"))
		if !errors.Is(err, domain.ErrStoreNotFound) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrStoreNotFound, err)
		}
	})

	t.Run("should refuse non-GET keys", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()
		ctx := context.Background()
		testStore(t, repo, "cache-v1")

		postKey := domain.RequestKey{Method: "POST", URL: "http://hrcloud.test/api/v1/qso"}
		err := repo.Put(ctx, "cache-v1", postKey, testCaptured("{}", "application/json"))
		if !errors.Is(err, domain.ErrNotCacheable) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrNotCacheable, err)
		}

		count, err := repo.CountEntries(ctx, "cache-v1")
		if err != nil {
			t.Fatalf("counting entries: %v", err)
		}
		if count != 0 {
			t.Fatalf("\nwanted:\n0\ngot:\n%d", count)
		}
	})

	t.Run("should not write when the context is already cancelled", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()
		testStore(t, repo, "cache-v1")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if err := repo.Put(ctx, "cache-v1", key, testCaptured("late", "text/plain")); err == nil {
			t.Fatalf("\nwanted:\nerror\ngot:\nnil")
		}

		count, err := repo.CountEntries(context.Background(), "cache-v1")
		if err != nil {
			t.Fatalf("counting entries: %v", err)
		}
		if count != 0 {
			t.Fatalf("\nwanted:\n0\ngot:\n%d", count)
		}
	})

	t.Run("should converge under concurrent writes to the same key", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()
		ctx := context.Background()
		testStore(t, repo, "cache-v1")

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				repo.Put(ctx, "cache-v1", key, testCaptured(fmt.Sprintf("body-%d", i), "text/plain"))
			}(i)
		}
		wg.Wait()

		got, err := repo.Match(ctx, "cache-v1", key)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if !strings.HasPrefix(string(got.Body), "body-") {
			t.Fatalf("\nwanted:\nbody-N\ngot:\n%q", got.Body)
		}
	})
}

func TestCacheRepo_DeleteStore(t *testing.T) {
	t.Run("should delete the store and all its entries", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()
		ctx := context.Background()

		testStore(t, repo, "cache-v1")
		testStore(t, repo, "cache-v2")
		key := domain.RequestKey{Method: "GET", URL: "http://hrcloud.test/app.js"}
		for _, name := range []string{"cache-v1", "cache-v2"} {
			if err := repo.Put(ctx, name, key, testCaptured(name, "text/javascript")); err != nil {
				t.Fatalf("putting entry: %v", err)
			}
		}

		deleted, err := repo.DeleteStore(ctx, "cache-v1")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if !deleted {
			t.Fatalf("\nwanted:\ntrue\ngot:\nfalse")
		}

		count, err := repo.CountEntries(ctx, "cache-v1")
		if err != nil {
			t.Fatalf("counting entries: %v", err)
		}
		if count != 0 {
			t.Fatalf("\nwanted:\n0\ngot:\n%d", count)
		}

		got, err := repo.Match(ctx, "cache-v2", key)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if string(got.Body) != "cache-v2" {
			t.Fatalf("\nwanted:\ncache-v2\ngot:\n%q", got.Body)
		}
	})

	t.Run("should report false for an unknown store", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		deleted, err := repo.DeleteStore(context.Background(), "cache-unknown")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if deleted {
			t.Fatalf("\nwanted:\nfalse\ngot:\ntrue")
		}
	})
}

func TestCacheRepo_Entries(t *testing.T) {
	t.Run("should list entries with sniffed content type when the header is missing", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()
		ctx := context.Background()
		testStore(t, repo, "cache-v1")

		html := domain.RequestKey{Method: "GET", URL: "http://hrcloud.test/"}
		js := domain.RequestKey{Method: "GET", URL: "http://hrcloud.test/app.js"}

		if err := repo.Put(ctx, "cache-v1", html, testCaptured("<!DOCTYPE html><html><body></body></html>", "")); err != nil {
			t.Fatalf("putting entry: %v", err)
		}
		if err := repo.Put(ctx, "cache-v1", js, testCaptured("console.log(1)", "text/javascript")); err != nil {
			t.Fatalf("putting entry: %v", err)
		}

		got, err := repo.Entries(ctx, "cache-v1")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if len(got) != 2 {
			t.Fatalf("\nwanted:\n2\ngot:\n%d", len(got))
		}
		if got[0].Key != html || got[1].Key != js {
			t.Fatalf("\nwanted:\n[%v %v]\ngot:\n[%v %v]", html, js, got[0].Key, got[1].Key)
		}
		if got[0].ContentType != "text/html" {
			t.Fatalf("\nwanted:\ntext/html\ngot:\n%q", got[0].ContentType)
		}
		if got[1].ContentType != "text/javascript" {
			t.Fatalf("\nwanted:\ntext/javascript\ngot:\n%q", got[1].ContentType)
		}
		if got[1].Length != len("console.log(1)") {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", len("console.log(1)"), got[1].Length)
		}
	})
}

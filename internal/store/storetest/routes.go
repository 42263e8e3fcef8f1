// Package storetest holds behaviour tests shared by every store.RouteStore
// backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/store"
)

// RunRouteStore exercises a backend. open is called once per subtest and
// must return an empty store.
func RunRouteStore(t *testing.T, open func(t *testing.T) store.RouteStore) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("get missing", func(t *testing.T) {
		s := open(t)
		if _, err := s.Get(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("Get missing: err = %v, want ErrNotFound", err)
		}
	})

	t.Run("put get", func(t *testing.T) {
		s := open(t)
		want := store.RouteRecord{
			SessionKey: "agent:default:telegram:group:-100",
			Channel:    "telegram",
			To:         "-100",
			AccountID:  "bot1",
			ThreadID:   "7",
			UpdatedAt:  base,
		}
		if err := s.Put(ctx, want); err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(ctx, want.SessionKey)
		if err != nil {
			t.Fatal(err)
		}
		if !got.UpdatedAt.Equal(want.UpdatedAt) {
			t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, want.UpdatedAt)
		}
		got.UpdatedAt = want.UpdatedAt
		if got != want {
			t.Errorf("got %+v, want %+v", got, want)
		}
	})

	t.Run("last write wins", func(t *testing.T) {
		s := open(t)
		key := "agent:default:discord:direct:1"
		for i, to := range []string{"a", "b", "c"} {
			rec := store.RouteRecord{SessionKey: key, Channel: "discord", To: to, UpdatedAt: base.Add(time.Duration(i) * time.Second)}
			if err := s.Put(ctx, rec); err != nil {
				t.Fatal(err)
			}
		}
		// Idempotent repeat.
		if err := s.Put(ctx, store.RouteRecord{SessionKey: key, Channel: "discord", To: "c", UpdatedAt: base.Add(2 * time.Second)}); err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if got.To != "c" {
			t.Errorf("To = %q, want c", got.To)
		}
	})

	t.Run("empty key rejected", func(t *testing.T) {
		s := open(t)
		if err := s.Put(ctx, store.RouteRecord{Channel: "x"}); err == nil {
			t.Fatal("Put with empty session key should fail")
		}
	})

	t.Run("delete before", func(t *testing.T) {
		s := open(t)
		for i := 0; i < 5; i++ {
			rec := store.RouteRecord{
				SessionKey: fmt.Sprintf("k%d", i),
				Channel:    "signal",
				To:         "+1",
				UpdatedAt:  base.Add(time.Duration(i) * time.Hour),
			}
			if err := s.Put(ctx, rec); err != nil {
				t.Fatal(err)
			}
		}
		n, err := s.DeleteBefore(ctx, base.Add(2*time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("deleted %d, want 2", n)
		}
		for i := 0; i < 5; i++ {
			_, err := s.Get(ctx, fmt.Sprintf("k%d", i))
			if gone := errors.Is(err, store.ErrNotFound); gone != (i < 2) {
				t.Errorf("k%d: err = %v", i, err)
			}
		}
		if n, _ := s.DeleteBefore(ctx, base); n != 0 {
			t.Errorf("second sweep deleted %d", n)
		}
	})

	t.Run("concurrent keys", func(t *testing.T) {
		s := open(t)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec := store.RouteRecord{SessionKey: fmt.Sprintf("c%d", i), Channel: "webchat", To: fmt.Sprint(i), UpdatedAt: base}
				if err := s.Put(ctx, rec); err != nil {
					t.Error(err)
				}
			}(i)
		}
		wg.Wait()
		for i := 0; i < 8; i++ {
			got, err := s.Get(ctx, fmt.Sprintf("c%d", i))
			if err != nil || got.To != fmt.Sprint(i) {
				t.Errorf("c%d: %+v %v", i, got, err)
			}
		}
	})
}

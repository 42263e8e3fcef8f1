package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/store"
	"github.com/nextlevelbuilder/clawrelay/internal/store/storetest"
)

func TestRouteStore(t *testing.T) {
	storetest.RunRouteStore(t, func(t *testing.T) store.RouteStore {
		s, err := NewRouteStore(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}

func TestRouteStore_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := NewRouteStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	rec := store.RouteRecord{SessionKey: "k", Channel: "telegram", To: "42", UpdatedAt: time.Now().UTC().Truncate(time.Second)}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewRouteStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := reopened.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if got.To != "42" || !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Fatalf("reloaded %+v", got)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestRouteStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, routesFile), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewRouteStore(dir); err == nil {
		t.Fatal("corrupt routes file should fail to load")
	}
}

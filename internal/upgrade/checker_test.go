package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		version uint
		dirty   bool
		wantErr error
		migrate bool
	}{
		{"current", RequiredSchemaVersion, false, nil, false},
		{"behind", RequiredSchemaVersion - 1, false, ErrSchemaOutdated, true},
		{"ahead", RequiredSchemaVersion + 1, false, ErrSchemaAhead, false},
		{"dirty", RequiredSchemaVersion, true, ErrSchemaDirty, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Evaluate(tt.version, tt.dirty)
			if !errors.Is(s.Err(), tt.wantErr) {
				t.Errorf("Err() = %v, want %v", s.Err(), tt.wantErr)
			}
			if s.NeedsMigration != tt.migrate {
				t.Errorf("NeedsMigration = %v, want %v", s.NeedsMigration, tt.migrate)
			}
		})
	}
}

func TestFormatError(t *testing.T) {
	if msg := FormatError(Evaluate(RequiredSchemaVersion, true)); !strings.Contains(msg, "migrate force") {
		t.Errorf("dirty message lacks fix: %q", msg)
	}
	if msg := FormatError(Evaluate(RequiredSchemaVersion+3, false)); !strings.Contains(msg, "newer than this binary") {
		t.Errorf("ahead message: %q", msg)
	}
	if msg := FormatError(Evaluate(0, false)); !strings.Contains(msg, "migrate up") {
		t.Errorf("outdated message: %q", msg)
	}
}

func TestDataHooksRegistered(t *testing.T) {
	found := false
	for _, h := range DefaultHooks.Hooks() {
		if h.Name == "002_normalize_route_channels" {
			found = h.Version == 2
		}
	}
	if !found {
		t.Error("route channel normalization hook missing")
	}
}

func TestHookRegistry_Register(t *testing.T) {
	noop := func(context.Context, *sql.Tx) error { return nil }
	tests := []struct {
		name    string
		hook    Hook
		wantErr bool
	}{
		{"ok", Hook{Version: 1, Name: "a", Run: noop}, false},
		{"duplicate", Hook{Version: 1, Name: "a", Run: noop}, true},
		{"no name", Hook{Version: 1, Run: noop}, true},
		{"no func", Hook{Version: 1, Name: "b"}, true},
		{"version zero", Hook{Name: "c", Run: noop}, true},
		{"version ahead", Hook{Version: RequiredSchemaVersion + 1, Name: "d", Run: noop}, true},
	}
	r := NewHookRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.hook); (err != nil) != tt.wantErr {
				t.Errorf("Register() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHookRegistry_DueOrderAndGating(t *testing.T) {
	noop := func(context.Context, *sql.Tx) error { return nil }
	r := NewHookRegistry()
	for _, h := range []Hook{
		{Version: 2, Name: "v2-first", Run: noop},
		{Version: 1, Name: "v1", Run: noop},
		{Version: 2, Name: "v2-second", Run: noop},
	} {
		if err := r.Register(h); err != nil {
			t.Fatal(err)
		}
	}

	names := func(hs []Hook) string {
		var out []string
		for _, h := range hs {
			out = append(out, h.Name)
		}
		return strings.Join(out, ",")
	}

	if got := names(r.Hooks()); got != "v1,v2-first,v2-second" {
		t.Errorf("order = %s", got)
	}
	if got := names(r.due(nil, 1)); got != "v1" {
		t.Errorf("due at v1 = %s, want hooks for later versions held back", got)
	}
	if got := names(r.due(map[string]bool{"v1": true, "v2-first": true}, 2)); got != "v2-second" {
		t.Errorf("due after partial apply = %s", got)
	}
}

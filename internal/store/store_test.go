package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"statemax-go/internal/clock"
)

type params struct {
	Lookback int   `json:"lookback"`
	Axes     []int `json:"axes"`
}

func backends(t *testing.T) map[string]func() Backend {
	dir := t.TempDir()
	return map[string]func() Backend{
		"memory": func() Backend { return NewMemory() },
		"file": func() Backend {
			b, err := OpenFile(filepath.Join(dir, "state", "history.jsonl"))
			if err != nil {
				t.Fatalf("OpenFile: %v", err)
			}
			return b
		},
		"sqlite": func() Backend {
			b, err := OpenSQLite(filepath.Join(dir, "state.db"))
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			return b
		},
	}
}

func TestBackendsReturnNewestEntry(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for name, open := range backends(t) {
		b := open()
		for i, data := range []string{`{"v":1}`, `{"v":3}`, `{"v":2}`} {
			updated := t0.Add(time.Duration([]int{1, 3, 2}[i]) * time.Hour)
			if err := b.Append(ctx, Entry{Path: "/s/params", UpdatedAt: updated, SavedAt: updated, Data: []byte(data)}); err != nil {
				t.Fatalf("%s: Append: %v", name, err)
			}
		}
		e, ok, err := b.Latest(ctx, "/s/params")
		if err != nil || !ok {
			t.Fatalf("%s: Latest: %v %v", name, ok, err)
		}
		if string(e.Data) != `{"v":3}` || !e.UpdatedAt.Equal(t0.Add(3*time.Hour)) {
			t.Fatalf("%s: expected newest entry, got %s at %s", name, e.Data, e.UpdatedAt)
		}
		if _, ok, _ := b.Latest(ctx, "/s/missing"); ok {
			t.Fatalf("%s: unexpected entry for missing path", name)
		}
		if err := b.Close(); err != nil {
			t.Fatalf("%s: Close: %v", name, err)
		}
	}
}

func TestFileBackendReplaysOnReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	b, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := b.Append(ctx, Entry{Path: "/tick", UpdatedAt: now, SavedAt: now, Data: []byte(`42`)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_ = b.Close()

	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	e, ok, err := reopened.Latest(ctx, "/tick")
	if err != nil || !ok || string(e.Data) != "42" {
		t.Fatalf("expected replayed entry, got %v %v %s", ok, err, e.Data)
	}
}

func TestStateSetSnapshotsImmediately(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	mem := NewMemory()
	root := New(mem, clk)
	sig := root.Sub("strategy/signal")
	if sig.Path() != "/strategy/signal/" {
		t.Fatalf("unexpected path %q", sig.Path())
	}

	p := params{Lookback: 30, Axes: []int{1, 2}}
	if err := sig.Set("params", p); err != nil {
		t.Fatalf("Set: %v", err)
	}
	p.Axes[0] = 99
	p.Lookback = 60
	if err := root.Save(ctx, clk.Now()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var got params
	fresh := New(mem, clk).Sub("strategy").Sub("signal")
	ok, err := fresh.Get(ctx, "params", &got)
	if err != nil || !ok {
		t.Fatalf("Get: %v %v", ok, err)
	}
	if got.Lookback != 30 || got.Axes[0] != 1 {
		t.Fatalf("saved value should be the snapshot taken at Set, got %+v", got)
	}
}

func TestStateSaveOnlyWritesDirtyEntries(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	mem := NewMemory()
	root := New(mem, clk)
	_ = root.Set("tick", 1)
	_ = root.Sub("a").Set("x", "one")
	if err := root.Save(ctx, clk.Now()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	clk.Advance(time.Hour)
	_ = root.Set("tick", 2)
	if err := root.Save(ctx, clk.Now()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if n := len(mem.History("/tick")); n != 2 {
		t.Fatalf("expected 2 tick entries, got %d", n)
	}
	if n := len(mem.History("/a/x")); n != 1 {
		t.Fatalf("clean entry saved again: %d entries", n)
	}
	last := mem.History("/tick")[1]
	if !last.SavedAt.Equal(clk.Now()) || !last.UpdatedAt.Equal(clk.Now()) {
		t.Fatalf("unexpected stamps %+v", last)
	}
}

func TestStateWithoutBackendStaysInMemory(t *testing.T) {
	ctx := context.Background()
	root := New(nil, nil)
	if ok, _ := root.Has(ctx, "params"); ok {
		t.Fatalf("empty state reported a value")
	}
	_ = root.Set("params", params{Lookback: 5})
	if err := root.Save(ctx, time.Now()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	var got params
	if ok, err := root.Get(ctx, "params", &got); !ok || err != nil || got.Lookback != 5 {
		t.Fatalf("Get: %v %v %+v", ok, err, got)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()
	for _, driver := range []string{"memory", "file", "sqlite"} {
		b, err := Open(driver, filepath.Join(dir, driver+".db"))
		if err != nil {
			t.Fatalf("%s: %v", driver, err)
		}
		if err := b.Close(); err != nil {
			t.Fatalf("%s close: %v", driver, err)
		}
	}
	if _, err := Open("mongo", ""); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

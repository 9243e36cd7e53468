package storage_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/pruvlabs/xychain/internal/storage"
	"github.com/pruvlabs/xychain/pkg/xychain"
)

func newChain(t *testing.T, name string, entries int) *xychain.Chain {
	t.Helper()
	c := xychain.New(name)
	for i := 0; i < entries; i++ {
		_, err := c.Append(
			fmt.Sprintf("step-%d", i),
			map[string]any{"n": i},
			map[string]any{"n": i + 1},
		)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	return c
}

func TestLocalStore_saveLoadRoundTrip(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	c := newChain(t, "deploys", 4)
	if err := store.Save(ctx, c); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load(ctx, c.ID())
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ID() != c.ID() || loaded.Name() != c.Name() || loaded.Len() != 4 {
		t.Errorf("loaded %s/%s/%d, want %s/%s/4", loaded.ID(), loaded.Name(), loaded.Len(), c.ID(), c.Name())
	}
	if valid, breakIdx := loaded.Verify(); !valid {
		t.Errorf("loaded chain failed verification at %d", breakIdx)
	}
	if loaded.Head() != c.Head() {
		t.Error("head proof changed across persistence")
	}
}

func TestLocalStore_saveOverwrites(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	c := newChain(t, "grow", 1)
	if err := store.Save(ctx, c); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Append("more", nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, c); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load(ctx, c.ID())
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Len() != 2 {
		t.Errorf("Len() = %d after re-save, want 2", loaded.Len())
	}
}

func TestLocalStore_loadMissing(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	_, err = store.Load(context.Background(), "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestLocalStore_list(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	a := newChain(t, "alpha", 2)
	b := newChain(t, "beta", 3)
	for _, c := range []*xychain.Chain{a, b} {
		if err := store.Save(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	infos, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("List() returned %d chains, want 2", len(infos))
	}
	byID := map[string]storage.ChainInfo{}
	for _, info := range infos {
		byID[info.ID] = info
	}
	if info := byID[a.ID()]; info.Name != "alpha" || info.Length != 2 {
		t.Errorf("alpha summary = %+v", info)
	}
	if info := byID[b.ID()]; info.Name != "beta" || info.Length != 3 {
		t.Errorf("beta summary = %+v", info)
	}
}

func TestLocalStore_deleteAndExists(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	c := newChain(t, "temp", 1)
	if err := store.Save(ctx, c); err != nil {
		t.Fatal(err)
	}

	if ok, err := store.Exists(ctx, c.ID()); err != nil || !ok {
		t.Errorf("Exists() = (%v, %v) before delete, want (true, nil)", ok, err)
	}
	if err := store.Delete(ctx, c.ID()); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Exists(ctx, c.ID()); ok {
		t.Error("chain still exists after delete")
	}
	if err := store.Delete(ctx, c.ID()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestLocalStore_existsRejectsPathTraversal(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"../etc/passwd", `..\other`, "a/b"} {
		if ok, err := store.Exists(context.Background(), id); ok || err != nil {
			t.Errorf("Exists(%q) = (%v, %v), want (false, nil)", id, ok, err)
		}
	}
}

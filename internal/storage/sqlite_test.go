package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/craigderington/portswitch/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "portswitch.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTargetsCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	api := &types.NamedTarget{Name: "api", Target: types.ForwardTarget{Host: "localhost", Port: 3000}}
	db := &types.NamedTarget{Name: "db", Target: types.ForwardTarget{Host: "db.internal", Port: 5432}}

	for _, target := range []*types.NamedTarget{db, api} {
		if err := store.SaveTarget(ctx, target); err != nil {
			t.Fatalf("SaveTarget(%s) error = %v", target.Name, err)
		}
	}

	got, err := store.GetTarget(ctx, "api")
	if err != nil {
		t.Fatalf("GetTarget() error = %v", err)
	}
	if got.Target != api.Target {
		t.Errorf("GetTarget() target = %v, want %v", got.Target, api.Target)
	}

	list, err := store.ListTargets(ctx)
	if err != nil {
		t.Fatalf("ListTargets() error = %v", err)
	}
	if len(list) != 2 || list[0].Name != "api" || list[1].Name != "db" {
		t.Errorf("ListTargets() = %v, want [api db]", list)
	}

	if err := store.DeleteTarget(ctx, "api"); err != nil {
		t.Fatalf("DeleteTarget() error = %v", err)
	}
	if _, err := store.GetTarget(ctx, "api"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTarget() after delete error = %v, want %v", err, ErrNotFound)
	}
	if err := store.DeleteTarget(ctx, "api"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteTarget() twice error = %v, want %v", err, ErrNotFound)
	}
}

func TestSaveTargetUpdatesExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	target := &types.NamedTarget{Name: "api", Target: types.ForwardTarget{Host: "localhost", Port: 3000}}
	if err := store.SaveTarget(ctx, target); err != nil {
		t.Fatalf("SaveTarget() error = %v", err)
	}
	created := target.CreatedAt

	time.Sleep(5 * time.Millisecond)

	update := &types.NamedTarget{Name: "api", Target: types.ForwardTarget{Host: "localhost", Port: 4000}}
	if err := store.SaveTarget(ctx, update); err != nil {
		t.Fatalf("SaveTarget() update error = %v", err)
	}

	got, err := store.GetTarget(ctx, "api")
	if err != nil {
		t.Fatalf("GetTarget() error = %v", err)
	}
	if got.Target.Port != 4000 {
		t.Errorf("port = %v, want %v", got.Target.Port, 4000)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	if !got.UpdatedAt.After(created) {
		t.Errorf("UpdatedAt = %v, want after %v", got.UpdatedAt, created)
	}
}

func TestSaveTargetRequiresName(t *testing.T) {
	store := newTestStore(t)

	err := store.SaveTarget(context.Background(), &types.NamedTarget{Name: "  "})
	if err == nil {
		t.Error("SaveTarget() with blank name should fail")
	}
}

func TestProxyConfigRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.LoadConfig(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadConfig() on empty store error = %v, want %v", err, ErrNotFound)
	}

	config := types.Enabled(9000, types.ForwardTarget{Host: "localhost", Port: 9100}).WithMode(types.ModeHTTP)
	if err := store.SaveConfig(ctx, config); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}
	if err := store.SaveConfig(ctx, types.Disabled()); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}
	if err := store.SaveConfig(ctx, config); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	got, err := store.LoadConfig(ctx)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if got != config {
		t.Errorf("LoadConfig() = %+v, want %+v", got, config)
	}
}

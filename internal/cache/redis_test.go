package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"taskboard/api/internal/store"
)

func setupTestCache(t *testing.T) (*SnapshotCache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	c, err := NewSnapshotCache("redis://"+s.Addr(), 5*time.Minute)
	if err != nil {
		t.Fatalf("failed to create snapshot cache: %v", err)
	}
	return c, s
}

func sampleSnapshot(boardID string) store.BoardSnapshot {
	return store.BoardSnapshot{
		Board: store.Board{ID: boardID, Title: "Roadmap", OwnerID: "usr_1"},
		Lists: []store.ListWithCards{
			{
				List: store.List{ID: "lst_1", BoardID: boardID, Title: "Backlog", Position: 0},
				Cards: []store.Card{
					{ID: "crd_1", ListID: "lst_1", Title: "Ship it", Position: 0, Version: 1, Labels: []string{"urgent"}},
				},
			},
		},
	}
}

func TestSetAndGetSnapshot(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	defer s.Close()

	ctx := context.Background()
	snapshot := sampleSnapshot("brd_1")

	if err := c.SetSnapshot(ctx, snapshot); err != nil {
		t.Fatalf("SetSnapshot failed: %v", err)
	}

	got, err := c.GetSnapshot(ctx, "brd_1")
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if got.Title != "Roadmap" {
		t.Errorf("expected title Roadmap, got %s", got.Title)
	}
	if len(got.Lists) != 1 || len(got.Lists[0].Cards) != 1 {
		t.Fatalf("snapshot lists/cards not round-tripped: %+v", got.Lists)
	}
	if got.Lists[0].Cards[0].Version != 1 {
		t.Errorf("expected card version 1, got %d", got.Lists[0].Cards[0].Version)
	}
}

func TestGetSnapshotMiss(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	defer s.Close()

	_, err := c.GetSnapshot(context.Background(), "brd_missing")
	if !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss, got %v", err)
	}
}

func TestSnapshotExpiry(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()
	c, err := NewSnapshotCache("redis://"+s.Addr(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to create snapshot cache: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.SetSnapshot(ctx, sampleSnapshot("brd_2")); err != nil {
		t.Fatalf("SetSnapshot failed: %v", err)
	}

	s.FastForward(200 * time.Millisecond)

	_, err = c.GetSnapshot(ctx, "brd_2")
	if !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss after expiry, got %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	defer s.Close()

	ctx := context.Background()
	if err := c.SetSnapshot(ctx, sampleSnapshot("brd_3")); err != nil {
		t.Fatalf("SetSnapshot failed: %v", err)
	}
	if err := c.Invalidate(ctx, "brd_3"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	_, err := c.GetSnapshot(ctx, "brd_3")
	if !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss after invalidate, got %v", err)
	}
}

func TestNilCacheIsDisabled(t *testing.T) {
	var c *SnapshotCache

	ctx := context.Background()
	if err := c.SetSnapshot(ctx, sampleSnapshot("brd_4")); err != nil {
		t.Errorf("nil SetSnapshot should be a no-op, got %v", err)
	}
	if err := c.Invalidate(ctx, "brd_4"); err != nil {
		t.Errorf("nil Invalidate should be a no-op, got %v", err)
	}
	_, err := c.GetSnapshot(ctx, "brd_4")
	if !errors.Is(err, ErrMiss) {
		t.Errorf("nil GetSnapshot should report ErrMiss, got %v", err)
	}
}

package backup

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"librarycore/internal/blob"
	"librarycore/internal/core"
)

func newService(t *testing.T) *core.Service {
	t.Helper()
	at := time.Date(2025, 11, 4, 9, 0, 0, 0, time.UTC)
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine(), core.WithClock(core.ClockFunc(func() time.Time { return at })))
	if _, _, err := svc.Seed(context.Background(), core.DemoSeed()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return svc
}

func stepClock(start time.Time) func() time.Time {
	next := start
	return func() time.Time {
		now := next
		next = next.Add(time.Minute)
		return now
	}
}

func TestKeyIsChronological(t *testing.T) {
	a := Key(time.Date(2025, 11, 4, 9, 0, 0, 0, time.UTC))
	b := Key(time.Date(2025, 11, 4, 10, 0, 0, 0, time.FixedZone("CET", 3600)))
	if a != "snapshots/20251104T090000.000Z.json" {
		t.Fatalf("unexpected key %s", a)
	}
	if !(a < b) || !strings.HasPrefix(b, Prefix) {
		t.Fatalf("expected %s < %s", a, b)
	}
}

func TestSaveAndRestoreLatest(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	store := blob.NewMemory()
	m := NewManager(store, svc, WithClock(stepClock(time.Date(2025, 11, 4, 9, 0, 0, 0, time.UTC))))

	first, err := m.Save(ctx)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if first.Metadata["books"] != "4" || first.Metadata["loans"] != "1" || first.ContentType != "application/json" {
		t.Fatalf("unexpected info %+v", first)
	}

	if _, _, err := svc.Checkout(ctx, "LIB001", "carlos.rodriguez@example.com", "2025-11-18"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	second, err := m.Save(ctx)
	if err != nil {
		t.Fatalf("save second: %v", err)
	}
	latest, err := m.Latest(ctx)
	if err != nil || latest.Key != second.Key {
		t.Fatalf("expected latest %s, got %+v %v", second.Key, latest, err)
	}

	restored, err := m.Restore(ctx, first.Key)
	if err != nil || restored != first.Key {
		t.Fatalf("restore first: %s %v", restored, err)
	}
	if got := len(svc.Export().Loans); got != 1 {
		t.Fatalf("expected the pre-checkout ledger, got %d loans", got)
	}
	book, err := svc.GetBook(ctx, "LIB001")
	if err != nil || book.Status != "available" {
		t.Fatalf("expected LIB001 available after restore, got %+v %v", book, err)
	}

	restored, err = m.Restore(ctx, "")
	if err != nil || restored != second.Key {
		t.Fatalf("restore latest: %s %v", restored, err)
	}
	if got := len(svc.Export().Loans); got != 2 {
		t.Fatalf("expected the latest ledger, got %d loans", got)
	}
	// Sequences survive the round trip so ids are not reused.
	book, _, err = svc.CreateBook(ctx, core.BookInput{Title: strPtr("Rayuela"), Author: strPtr("Julio Cortazar")})
	if err != nil || book.ID != 5 {
		t.Fatalf("expected next id 5, got %+v %v", book, err)
	}
}

func TestListSkipsForeignObjects(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	if _, err := store.Put(ctx, Prefix+"notes.txt", strings.NewReader("x"), blob.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	m := NewManager(store, newService(t))
	infos, err := m.List(ctx)
	if err != nil || len(infos) != 0 {
		t.Fatalf("expected no snapshots, got %+v %v", infos, err)
	}
	if _, err := m.Restore(ctx, ""); !errors.Is(err, ErrNoSnapshots) {
		t.Fatalf("expected ErrNoSnapshots, got %v", err)
	}
	if _, err := m.Restore(ctx, Prefix+"missing.json"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveRefusesToOverwrite(t *testing.T) {
	ctx := context.Background()
	fixed := func() time.Time { return time.Date(2025, 11, 4, 9, 0, 0, 0, time.UTC) }
	m := NewManager(blob.NewMemory(), newService(t), WithClock(fixed))
	if _, err := m.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := m.Save(ctx); !errors.Is(err, blob.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestLoadRejectsCorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	key := Prefix + "20251104T090000.000Z.json"
	if _, err := store.Put(ctx, key, strings.NewReader("{not json"), blob.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	svc := newService(t)
	m := NewManager(store, svc)
	if _, err := m.Restore(ctx, ""); err == nil {
		t.Fatalf("expected decode error")
	}
	if got := len(svc.Export().Books); got != 4 {
		t.Fatalf("failed restore must leave state untouched, got %d books", got)
	}
}

func strPtr(v string) *string { return &v }

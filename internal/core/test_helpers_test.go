package core

import (
	"context"
	"testing"
	"time"

	"librarycore/pkg/domain"
)

// strPtr is a lightweight helper for pointer fields in core package tests.
func strPtr(v string) *string {
	return &v
}

// testClock is a settable clock shared by a service and its store.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) set(day string) {
	d := domain.MustParseDate(day)
	c.now = d.Time().Add(9 * time.Hour)
}

func newClock(day string) *testClock {
	c := &testClock{}
	c.set(day)
	return c
}

// newSeededService returns a service over the demo catalog seeded on day.
func newSeededService(t *testing.T, day string, opts ...Option) (*Service, *testClock) {
	t.Helper()
	clock := newClock(day)
	opts = append([]Option{WithClock(clock)}, opts...)
	svc := NewInMemoryService(NewDefaultRulesEngine(), opts...)
	seeded, _, err := svc.Seed(context.Background(), DemoSeed())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !seeded {
		t.Fatalf("expected empty store to be seeded")
	}
	return svc, clock
}

func mustBook(t *testing.T, svc *Service, ref string) Book {
	t.Helper()
	book, err := svc.GetBook(context.Background(), ref)
	if err != nil {
		t.Fatalf("get book %s: %v", ref, err)
	}
	return book
}

func mustPatron(t *testing.T, svc *Service, ref string) Patron {
	t.Helper()
	patron, err := svc.GetPatron(context.Background(), ref)
	if err != nil {
		t.Fatalf("get patron %s: %v", ref, err)
	}
	return patron
}

package integration

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"librarycore/internal/backup"
	"librarycore/internal/blob"
	"librarycore/internal/core"
	"librarycore/pkg/domain"
)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

// TestIntegrationSmoke runs a checkout, a backup and a restore for each
// in-process store and blob adapter pairing. It is kept small so it can act
// as a fast CI health check.
func TestIntegrationSmoke(t *testing.T) {
	ctx := context.Background()
	clock := fixedClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))

	storeVariants := []struct {
		name string
		cfg  func(t *testing.T) core.StorageConfig
	}{
		{
			name: "memory-store",
			cfg:  func(*testing.T) core.StorageConfig { return core.StorageConfig{Driver: core.StorageMemory} },
		},
		{
			name: "sqlite-store",
			cfg: func(t *testing.T) core.StorageConfig {
				return core.StorageConfig{Driver: core.StorageSQLite, SQLitePath: filepath.Join(t.TempDir(), "library.db")}
			},
		},
	}

	blobVariants := []struct {
		name string
		open func(t *testing.T) blob.Store
	}{
		{
			name: "memory-blob",
			open: func(*testing.T) blob.Store { return blob.NewMemory() },
		},
		{
			name: "filesystem-blob",
			open: func(t *testing.T) blob.Store {
				s, err := blob.Open(ctx, blob.Config{Driver: blob.DriverFilesystem, Root: t.TempDir()})
				if err != nil {
					t.Fatalf("open filesystem blob: %v", err)
				}
				return s
			},
		},
	}

	open := func(t *testing.T, cfg core.StorageConfig, trace *bytes.Buffer) *core.Service {
		t.Helper()
		store, err := core.OpenPersistentStore(ctx, cfg, core.NewDefaultRulesEngine(), clock)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		svc := core.NewService(store,
			core.WithClock(clock),
			core.WithMetricsRecorder(core.NewExpvarMetricsRecorder("")),
			core.WithTracer(core.NewJSONTracer(trace)),
		)
		t.Cleanup(func() { _ = svc.Close() })
		return svc
	}

	for _, sv := range storeVariants {
		for _, bv := range blobVariants {
			t.Run(sv.name+"/"+bv.name, func(t *testing.T) {
				var trace bytes.Buffer
				svc := open(t, sv.cfg(t), &trace)
				if _, _, err := svc.Seed(ctx, core.DemoSeed()); err != nil {
					t.Fatalf("seed: %v", err)
				}
				loan, _, err := svc.Checkout(ctx, "LIB001", "carlos.rodriguez@example.com", "2025-03-15")
				if err != nil {
					t.Fatalf("checkout: %v", err)
				}
				if trace.Len() == 0 {
					t.Fatalf("expected trace output")
				}

				objects := bv.open(t)
				manager := backup.NewManager(objects, svc)
				info, err := manager.Save(ctx)
				if err != nil {
					t.Fatalf("save backup: %v", err)
				}

				restored := open(t, storeVariants[0].cfg(t), &bytes.Buffer{})
				if _, err := backup.NewManager(objects, restored).Restore(ctx, info.Key); err != nil {
					t.Fatalf("restore: %v", err)
				}
				got, err := restored.GetLoan(ctx, loan.ID)
				if err != nil {
					t.Fatalf("restored loan: %v", err)
				}
				if got.Status != domain.LoanOpen || got.BookID != loan.BookID {
					t.Fatalf("unexpected restored loan %+v", got)
				}
				book, err := restored.GetBook(ctx, "LIB001")
				if err != nil || book.Status != domain.BookLoaned {
					t.Fatalf("expected LIB001 loaned after restore, got %+v (%v)", book, err)
				}

				if _, _, err := restored.Return(ctx, "LIB001"); err != nil {
					t.Fatalf("return after restore: %v", err)
				}
			})
		}
	}
}

package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"librarycore/internal/infra/persistence/memory"
	"librarycore/pkg/domain"
)

func must[T any](t *testing.T, val T, err error) T {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return val
}

func fixedNow() time.Time {
	return time.Date(2025, 11, 4, 9, 0, 0, 0, time.UTC)
}

func newStore(opts ...memory.Option) *memory.Store {
	opts = append([]memory.Option{memory.WithNowFunc(fixedNow)}, opts...)
	return memory.NewStore(domain.NewRulesEngine(), opts...)
}

func seedBookAndPatron(t *testing.T, store *memory.Store) (domain.Book, domain.Patron) {
	t.Helper()
	var book domain.Book
	var patron domain.Patron
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		book, err = tx.CreateBook(domain.Book{Code: "LIB001", ISBN: "978-0307474728", Title: "Cien anos de soledad"})
		if err != nil {
			return err
		}
		patron, err = tx.CreatePatron(domain.Patron{Email: "ana.garcia@example.com", Name: "Ana Garcia"})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return book, patron
}

func TestStoreCRUDLifecycle(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	book, patron := seedBookAndPatron(t, store)

	if book.ID != 1 || book.Status != domain.BookAvailable || !book.CreatedAt.Equal(fixedNow()) {
		t.Fatalf("unexpected book %+v", book)
	}
	if patron.Standing != domain.StandingActive || patron.Kind != domain.PatronStudent {
		t.Fatalf("expected patron defaults, got %+v", patron)
	}

	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		updated, err := tx.UpdateBook(book.ID, func(b *domain.Book) error {
			b.Location = "Estante A-2"
			return nil
		})
		updated = must(t, updated, err)
		if updated.Location != "Estante A-2" {
			t.Fatalf("update not applied: %+v", updated)
		}
		loan, err := tx.CreateLoan(domain.Loan{
			BookID:   book.ID,
			PatronID: patron.ID,
			LoanDate: domain.MustParseDate("2025-11-04"),
			DueDate:  domain.MustParseDate("2025-11-18"),
		})
		loan = must(t, loan, err)
		if loan.Status != domain.LoanOpen {
			t.Fatalf("new loans default to open, got %s", loan.Status)
		}
		if open := tx.OpenLoansForBook(book.ID); len(open) != 1 {
			t.Fatalf("transaction must read its own writes, got %d open loans", len(open))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	err = store.View(ctx, func(view domain.TransactionView) error {
		got, ok := view.FindBookByCode("LIB001")
		if !ok || got.Location != "Estante A-2" {
			t.Fatalf("expected updated book, got %+v ok=%v", got, ok)
		}
		if p, ok := view.FindPatronByEmail("ana.garcia@example.com"); !ok || p.ID != patron.ID {
			t.Fatalf("patron lookup by email failed")
		}
		if loans := view.OpenLoansForPatron(patron.ID); len(loans) != 1 {
			t.Fatalf("expected one open loan, got %d", len(loans))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestStoreUniquenessConflicts(t *testing.T) {
	store := newStore()
	seedBookAndPatron(t, store)
	ctx := context.Background()

	cases := []struct {
		name   string
		fn     func(tx domain.Transaction) error
		reason string
	}{
		{"duplicate code", func(tx domain.Transaction) error {
			_, err := tx.CreateBook(domain.Book{Code: "LIB001"})
			return err
		}, domain.ReasonDuplicateCode},
		{"duplicate isbn", func(tx domain.Transaction) error {
			_, err := tx.CreateBook(domain.Book{Code: "LIB002", ISBN: "978-0307474728"})
			return err
		}, domain.ReasonDuplicateISBN},
		{"duplicate email", func(tx domain.Transaction) error {
			_, err := tx.CreatePatron(domain.Patron{Email: "ana.garcia@example.com"})
			return err
		}, domain.ReasonDuplicateEmail},
		{"duplicate term", func(tx domain.Transaction) error {
			if _, err := tx.CreateTerm(domain.Term{Kind: domain.TermCategory, Name: "Historia"}); err != nil {
				return err
			}
			_, err := tx.CreateTerm(domain.Term{Kind: domain.TermCategory, Name: "Historia"})
			return err
		}, domain.ReasonDuplicateTerm},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.RunInTransaction(ctx, tc.fn)
			var conflict domain.ConflictError
			if !errors.As(err, &conflict) || conflict.Reason != tc.reason {
				t.Fatalf("expected %s conflict, got %v", tc.reason, err)
			}
		})
	}

	// Same name under a different kind is allowed.
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateTerm(domain.Term{Kind: domain.TermCategory, Name: "Orwell"}); err != nil {
			return err
		}
		_, err := tx.CreateTerm(domain.Term{Kind: domain.TermAuthor, Name: "Orwell"})
		return err
	})
	if err != nil {
		t.Fatalf("expected distinct kinds to coexist: %v", err)
	}
}

func TestStoreRollsBackOnError(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	boom := errors.New("boom")
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateBook(domain.Book{Code: "LIB009"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if snap := store.ExportState(); len(snap.Books) != 0 {
		t.Fatalf("expected rollback, found %d books", len(snap.Books))
	}
}

type blockAll struct{}

func (blockAll) Name() string { return "block_all" }

func (blockAll) Evaluate(_ context.Context, _ domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	if len(changes) > 0 {
		res.Add(domain.Violation{Rule: "block_all", Severity: domain.SeverityBlock, Message: "nope"})
	}
	return res, nil
}

func TestStoreBlockingRuleDiscardsTransaction(t *testing.T) {
	engine := domain.NewRulesEngine()
	engine.Register(blockAll{})
	store := memory.NewStore(engine)
	res, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateBook(domain.Book{Code: "LIB010"})
		return err
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if !res.HasBlocking() {
		t.Fatalf("expected blocking result to be returned")
	}
	if snap := store.ExportState(); len(snap.Books) != 0 {
		t.Fatalf("blocked transaction must not commit")
	}
}

func TestStoreCommitHook(t *testing.T) {
	var seen []domain.Change
	fail := false
	store := newStore(memory.WithCommitHook(func(_ context.Context, changes []domain.Change, next domain.Snapshot) error {
		if fail {
			return errors.New("disk full")
		}
		seen = append(seen, changes...)
		if len(next.Books) == 0 {
			t.Fatalf("hook should observe the pending state")
		}
		return nil
	}))
	seedBookAndPatron(t, store)
	if len(seen) != 2 {
		t.Fatalf("expected two changes delivered to hook, got %d", len(seen))
	}

	fail = true
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateBook(domain.Book{Code: "LIB002"})
		return err
	})
	if err == nil {
		t.Fatalf("expected commit failure")
	}
	if snap := store.ExportState(); len(snap.Books) != 1 {
		t.Fatalf("failed commit must leave state untouched, found %d books", len(snap.Books))
	}

	// Read-only transactions never reach the hook.
	if _, err := store.RunInTransaction(context.Background(), func(domain.Transaction) error { return nil }); err != nil {
		t.Fatalf("empty transaction should not call hook: %v", err)
	}
}

func TestStoreIdentityIsImmutable(t *testing.T) {
	store := newStore()
	book, patron := seedBookAndPatron(t, store)
	ctx := context.Background()

	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpdateBook(book.ID, func(b *domain.Book) error {
			b.Code = "LIB999"
			return nil
		})
		return err
	})
	if domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("expected barcode rewrite to be rejected, got %v", err)
	}

	var loanID int64
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		loan, err := tx.CreateLoan(domain.Loan{BookID: book.ID, PatronID: patron.ID, LoanDate: domain.MustParseDate("2025-11-04"), DueDate: domain.MustParseDate("2025-11-18")})
		loanID = loan.ID
		return err
	})
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpdateLoan(loanID, func(l *domain.Loan) error {
			l.PatronID = 42
			return nil
		})
		return err
	})
	if domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("expected loan re-pointing to be rejected, got %v", err)
	}
}

func TestStoreDeleteGuardsAndSequences(t *testing.T) {
	store := newStore()
	book, patron := seedBookAndPatron(t, store)
	ctx := context.Background()

	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateLoan(domain.Loan{BookID: book.ID, PatronID: patron.ID, LoanDate: domain.MustParseDate("2025-11-04"), DueDate: domain.MustParseDate("2025-11-18")})
		return err
	})
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}

	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error { return tx.DeleteBook(book.ID) })
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != domain.ReasonOpenLoans {
		t.Fatalf("expected open-loans conflict, got %v", err)
	}
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error { return tx.DeletePatron(patron.ID) })
	if !errors.As(err, &conflict) || conflict.Reason != domain.ReasonOpenLoans {
		t.Fatalf("expected open-loans conflict for patron, got %v", err)
	}

	var second domain.Book
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		b, err := tx.CreateBook(domain.Book{Code: "LIB002"})
		if err != nil {
			return err
		}
		return tx.DeleteBook(b.ID)
	})
	if err != nil {
		t.Fatalf("create/delete: %v", err)
	}
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		second, err = tx.CreateBook(domain.Book{Code: "LIB003"})
		return err
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if second.ID != 3 {
		t.Fatalf("expected ids to never be reused, got %d", second.ID)
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error { return tx.DeleteBook(99) }); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreCreateLoanRequiresReferences(t *testing.T) {
	store := newStore()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateLoan(domain.Loan{BookID: 1, PatronID: 1})
		return err
	})
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected dangling reference to be rejected, got %v", err)
	}
}

func TestStoreExportImport(t *testing.T) {
	store := newStore()
	seedBookAndPatron(t, store)
	snap := store.ExportState()

	// Mutating the exported snapshot must not leak into the store.
	cover := "https://covers.example/1.jpg"
	b := snap.Books[1]
	b.CoverURL = &cover
	snap.Books[1] = b
	if got := store.ExportState().Books[1]; got.CoverURL != nil {
		t.Fatalf("export must be a deep copy")
	}

	restored := newStore()
	snap.Sequences = nil
	if err := restored.ImportState(context.Background(), snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	var created domain.Book
	_, err := restored.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateBook(domain.Book{Code: "LIB002"})
		return err
	})
	if err != nil {
		t.Fatalf("create after import: %v", err)
	}
	if created.ID != 2 {
		t.Fatalf("sequence should be rebuilt from imported ids, got %d", created.ID)
	}
	if got := restored.ExportState().Books[1]; got.CoverURL == nil || *got.CoverURL != cover {
		t.Fatalf("imported cover url lost: %+v", got)
	}
}

func TestStoreRespectsCancelledContext(t *testing.T) {
	store := newStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, err := store.RunInTransaction(ctx, func(domain.Transaction) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected cancellation before fn runs, got %v called=%v", err, called)
	}
}

func TestStoreReplaceStateHoldsWriterLock(t *testing.T) {
	store := newStore()
	seedBookAndPatron(t, store)
	snap := store.ExportState()

	committed := make(chan error, 1)
	err := store.ReplaceState(context.Background(), snap, func(_ context.Context, next domain.Snapshot) error {
		if len(next.Books) != 1 || next.Sequences[domain.EntityBook] != 1 {
			t.Errorf("persist got unexpected snapshot %+v", next)
		}
		go func() {
			_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
				_, err := tx.CreateBook(domain.Book{Code: "LIB002"})
				return err
			})
			committed <- err
		}()
		select {
		case err := <-committed:
			t.Errorf("transaction committed during replace: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
		return nil
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := <-committed; err != nil {
		t.Fatalf("transaction after replace: %v", err)
	}
	if got := len(store.ExportState().Books); got != 2 {
		t.Fatalf("transaction should apply on top of the replaced state, got %d books", got)
	}
}

func TestStoreReplaceStatePersistFailureKeepsState(t *testing.T) {
	store := newStore()
	seedBookAndPatron(t, store)
	boom := errors.New("disk full")

	err := store.ReplaceState(context.Background(), domain.NewSnapshot(), func(context.Context, domain.Snapshot) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected persist error, got %v", err)
	}
	if got := len(store.ExportState().Books); got != 1 {
		t.Fatalf("state should be untouched, got %d books", got)
	}
}

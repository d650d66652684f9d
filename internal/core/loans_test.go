package core

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"librarycore/internal/infra/persistence/memory"
	"librarycore/pkg/domain"
)

const (
	ana    = "ana.garcia@example.com"
	carlos = "carlos.rodriguez@example.com"
)

func TestCheckoutAvailableBook(t *testing.T) {
	svc, _ := newSeededService(t, "2025-11-04")
	ctx := context.Background()
	before := mustBook(t, svc, "LIB003")

	loan, res, err := svc.Checkout(ctx, "LIB003", carlos, "2025-11-20")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if res.HasBlocking() || len(res.Warnings()) != 0 {
		t.Fatalf("expected clean result, got %+v", res)
	}
	if loan.Status != domain.LoanOpen || loan.LoanDate.String() != "2025-11-04" || loan.DueDate.String() != "2025-11-20" {
		t.Fatalf("unexpected loan %+v", loan)
	}
	if loan.BookTitle != "Don Quijote de la Mancha" || loan.PatronName != "Carlos Rodriguez" {
		t.Fatalf("expected display snapshots on loan, got %+v", loan)
	}

	after := mustBook(t, svc, "LIB003")
	if after.Status != domain.BookLoaned || after.LoanCount != before.LoanCount+1 {
		t.Fatalf("expected loaned book with incremented count, got %+v", after)
	}
	if p := mustPatron(t, svc, carlos); p.ActiveLoanCount != 1 {
		t.Fatalf("expected 1 active loan, got %d", p.ActiveLoanCount)
	}
}

func TestCheckoutUnavailableBookChangesNothing(t *testing.T) {
	svc, _ := newSeededService(t, "2025-11-04")
	before := svc.Export()

	_, _, err := svc.Checkout(context.Background(), "LIB005", carlos, "2025-11-20")
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != domain.ReasonBookUnavailable {
		t.Fatalf("expected book-unavailable conflict, got %v", err)
	}
	if !reflect.DeepEqual(before, svc.Export()) {
		t.Fatalf("state changed after rejected checkout")
	}
}

func TestReturnLateAssessesFineAndSanction(t *testing.T) {
	svc, clock := newSeededService(t, "2025-10-15")
	ctx := context.Background()
	if _, _, err := svc.Checkout(ctx, "LIB001", carlos, "2025-10-30"); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	clock.set("2025-11-04")
	receipt, _, err := svc.Return(ctx, "LIB001")
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if receipt.DaysLate != 5 {
		t.Fatalf("expected 5 days late, got %d", receipt.DaysLate)
	}
	if !receipt.Fine.Equal(decimal.RequireFromString("2.50")) {
		t.Fatalf("expected fine 2.50, got %s", receipt.Fine)
	}
	if receipt.Loan.Status != domain.LoanClosed || receipt.Loan.ReturnDate == nil || receipt.Loan.ReturnDate.String() != "2025-11-04" {
		t.Fatalf("unexpected closed loan %+v", receipt.Loan)
	}
	p := mustPatron(t, svc, carlos)
	if p.SanctionCount != 1 || p.ActiveLoanCount != 0 {
		t.Fatalf("expected one sanction and no active loans, got %+v", p)
	}
	if b := mustBook(t, svc, "LIB001"); b.Status != domain.BookAvailable {
		t.Fatalf("expected book available after return, got %s", b.Status)
	}
}

func TestReturnWithoutOpenLoan(t *testing.T) {
	svc, _ := newSeededService(t, "2025-11-04")
	before := svc.Export()

	_, _, err := svc.Return(context.Background(), "LIB001")
	var nf domain.NotFoundError
	if !errors.As(err, &nf) || nf.Entity != domain.NotFoundNoActiveLoan {
		t.Fatalf("expected no-active-loan, got %v", err)
	}
	if !reflect.DeepEqual(before, svc.Export()) {
		t.Fatalf("state changed after rejected return")
	}
}

func TestCheckoutSanctionedPatronIsRestricted(t *testing.T) {
	svc, _ := newSeededService(t, "2025-11-04")
	ctx := context.Background()
	patron := mustPatron(t, svc, carlos)
	if _, _, err := svc.UpdatePatron(ctx, patron.ID, PatronInput{Standing: strPtr("sanctioned")}); err != nil {
		t.Fatalf("sanction patron: %v", err)
	}

	_, _, err := svc.Checkout(ctx, "LIB001", carlos, "2025-11-20")
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != domain.ReasonPatronRestricted {
		t.Fatalf("expected patron-restricted conflict, got %v", err)
	}
}

func TestCheckoutCheckOrder(t *testing.T) {
	svc, _ := newSeededService(t, "2025-11-04")
	ctx := context.Background()
	if _, _, err := svc.UpdatePatron(ctx, mustPatron(t, svc, carlos).ID, PatronInput{Standing: strPtr("sanctioned")}); err != nil {
		t.Fatalf("sanction patron: %v", err)
	}

	cases := []struct {
		name   string
		book   string
		patron string
		due    string
		kind   domain.ErrorKind
		reason string
	}{
		{name: "unknown book first", book: "LIB999", patron: "nobody@example.com", due: "", kind: domain.KindNotFound, reason: "book"},
		{name: "unknown patron", book: "LIB001", patron: "nobody@example.com", due: "", kind: domain.KindNotFound, reason: "patron"},
		{name: "unavailable before restricted", book: "LIB005", patron: carlos, due: "bad", kind: domain.KindConflict, reason: domain.ReasonBookUnavailable},
		{name: "restricted before due date", book: "LIB001", patron: carlos, due: "bad", kind: domain.KindConflict, reason: domain.ReasonPatronRestricted},
		{name: "missing due date", book: "LIB001", patron: ana, due: "  ", kind: domain.KindInvalidInput, reason: domain.ReasonMissingDueDate},
		{name: "malformed due date", book: "LIB001", patron: ana, due: "20/11/2025", kind: domain.KindInvalidInput, reason: domain.ReasonMalformedDueDate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.Checkout(ctx, tc.book, tc.patron, tc.due)
			if got := domain.KindOf(err); got != tc.kind {
				t.Fatalf("expected kind %s, got %s (%v)", tc.kind, got, err)
			}
			var (
				nf       domain.NotFoundError
				conflict domain.ConflictError
				invalid  domain.InvalidInputError
			)
			switch {
			case errors.As(err, &nf):
				if nf.Entity != tc.reason {
					t.Fatalf("expected missing %s, got %s", tc.reason, nf.Entity)
				}
			case errors.As(err, &conflict):
				if conflict.Reason != tc.reason {
					t.Fatalf("expected %s, got %s", tc.reason, conflict.Reason)
				}
			case errors.As(err, &invalid):
				if invalid.Reason != tc.reason {
					t.Fatalf("expected %s, got %s", tc.reason, invalid.Reason)
				}
			}
		})
	}
}

func TestCheckoutPastDueDate(t *testing.T) {
	lenient, _ := newSeededService(t, "2025-11-04")
	loan, _, err := lenient.Checkout(context.Background(), "LIB001", ana, "2025-11-01")
	if err != nil {
		t.Fatalf("lenient checkout: %v", err)
	}
	if got := loan.DisplayStatus(lenient.Today()); got != domain.LoanOverdue {
		t.Fatalf("expected loan due in the past to display overdue, got %s", got)
	}

	strict, _ := newSeededService(t, "2025-11-04", WithStrictDueDates(true))
	_, _, err = strict.Checkout(context.Background(), "LIB001", ana, "2025-11-01")
	var invalid domain.InvalidInputError
	if !errors.As(err, &invalid) || invalid.Reason != domain.ReasonDueBeforeLoan {
		t.Fatalf("expected due-before-loan, got %v", err)
	}
	if _, _, err := strict.Checkout(context.Background(), "LIB001", ana, "2025-11-04"); err != nil {
		t.Fatalf("due today should be accepted: %v", err)
	}
}

func TestCheckoutReturnRoundTrip(t *testing.T) {
	svc, _ := newSeededService(t, "2025-11-04")
	ctx := context.Background()
	book := mustBook(t, svc, "LIB004")
	patron := mustPatron(t, svc, ana)

	// Resolve by surrogate id as well as by code and email.
	if _, _, err := svc.Checkout(ctx, "4", "1", "2025-11-18"); err == nil {
		t.Fatalf("expected LIB005 (id 4) to be unavailable")
	}
	if _, _, err := svc.Checkout(ctx, "LIB004", ana, "2025-11-18"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	receipt, res, err := svc.Return(ctx, "LIB004")
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if len(res.Warnings()) != 0 {
		t.Fatalf("unexpected warnings %+v", res.Warnings())
	}
	if receipt.DaysLate != 0 || !receipt.Fine.IsZero() {
		t.Fatalf("on-time return should be free, got %+v", receipt)
	}

	afterBook := mustBook(t, svc, "LIB004")
	if afterBook.Status != domain.BookAvailable || afterBook.LoanCount != book.LoanCount+1 {
		t.Fatalf("expected available book keeping its loan count, got %+v", afterBook)
	}
	afterPatron := mustPatron(t, svc, ana)
	if afterPatron.ActiveLoanCount != patron.ActiveLoanCount || afterPatron.SanctionCount != 0 {
		t.Fatalf("expected counters restored, got %+v", afterPatron)
	}
}

func TestSecondCheckoutOfSameBookIsRejected(t *testing.T) {
	svc, _ := newSeededService(t, "2025-11-04")
	ctx := context.Background()
	if _, _, err := svc.Checkout(ctx, "LIB001", ana, "2025-11-18"); err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	_, _, err := svc.Checkout(ctx, "LIB001", carlos, "2025-11-18")
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != domain.ReasonBookUnavailable {
		t.Fatalf("expected book-unavailable, got %v", err)
	}
	loans, err := svc.ListLoans(ctx, LoanFilter{BookID: mustBook(t, svc, "LIB001").ID, Status: domain.LoanOpen})
	if err != nil {
		t.Fatalf("list loans: %v", err)
	}
	if len(loans) != 1 {
		t.Fatalf("expected exactly one open loan, got %d", len(loans))
	}
}

func TestConcurrentCheckoutsOfOneBook(t *testing.T) {
	stores := []struct {
		name string
		cfg  func(t *testing.T) StorageConfig
	}{
		{name: "memory", cfg: func(*testing.T) StorageConfig { return StorageConfig{Driver: StorageMemory} }},
		{name: "sqlite", cfg: func(t *testing.T) StorageConfig {
			return StorageConfig{Driver: StorageSQLite, SQLitePath: filepath.Join(t.TempDir(), "library.db")}
		}},
	}
	const workers = 32

	for _, tc := range stores {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newClock("2025-11-04")
			store, err := OpenPersistentStore(ctx, tc.cfg(t), NewDefaultRulesEngine(), clock)
			if err != nil {
				t.Fatalf("open store: %v", err)
			}
			svc := NewService(store, WithClock(clock))
			t.Cleanup(func() { _ = svc.Close() })
			if _, _, err := svc.Seed(ctx, DemoSeed()); err != nil {
				t.Fatalf("seed: %v", err)
			}

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				succeeded int
				conflicts int
				others    []error
			)
			start := make(chan struct{})
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, _, err := svc.Checkout(ctx, "LIB003", carlos, "2025-11-20")
					mu.Lock()
					defer mu.Unlock()
					var conflict domain.ConflictError
					switch {
					case err == nil:
						succeeded++
					case errors.As(err, &conflict) && conflict.Reason == domain.ReasonBookUnavailable:
						conflicts++
					default:
						others = append(others, err)
					}
				}()
			}
			close(start)
			wg.Wait()

			if succeeded != 1 || conflicts != workers-1 || len(others) != 0 {
				t.Fatalf("expected 1 success and %d conflicts, got %d/%d others=%v", workers-1, succeeded, conflicts, others)
			}
			book := mustBook(t, svc, "LIB003")
			open := 0
			for _, l := range svc.Export().Loans {
				if l.BookID == book.ID && l.IsOpen() {
					open++
				}
			}
			if open != 1 || book.Status != domain.BookLoaned {
				t.Fatalf("expected one open loan on a loaned book, got %d open, status %s", open, book.Status)
			}
			if p := mustPatron(t, svc, carlos); p.ActiveLoanCount != 1 {
				t.Fatalf("expected 1 active loan for carlos, got %d", p.ActiveLoanCount)
			}
		})
	}
}

func TestReturnClosesMostRecentOfDuplicateOpenLoans(t *testing.T) {
	clock := newClock("2025-11-04")
	store := memory.NewStore(NewRulesEngine(), memory.WithNowFunc(clock.Now))
	svc := NewService(store, WithClock(clock))
	ctx := context.Background()

	_, err := store.RunInTransaction(ctx, func(tx Transaction) error {
		book, err := tx.CreateBook(Book{Code: "LIB001", Title: "Cien anos de soledad", Status: domain.BookLoaned})
		if err != nil {
			return err
		}
		patron, err := tx.CreatePatron(Patron{Email: ana, Name: "Ana Garcia", ActiveLoanCount: 2})
		if err != nil {
			return err
		}
		for _, loanDate := range []string{"2025-10-01", "2025-10-20"} {
			if _, err := tx.CreateLoan(Loan{BookID: book.ID, PatronID: patron.ID, LoanDate: domain.MustParseDate(loanDate),
				DueDate: domain.MustParseDate("2025-11-10")}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	receipt, res, err := svc.Return(ctx, "LIB001")
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if receipt.Loan.ID != 2 {
		t.Fatalf("expected most recent loan 2 to close, got %d", receipt.Loan.ID)
	}
	warnings := res.Warnings()
	if len(warnings) != 1 || !strings.Contains(warnings[0].Message, "2 open loans") {
		t.Fatalf("expected duplicate open loan warning, got %+v", warnings)
	}
}

func TestReturnWithMissingPatronWarns(t *testing.T) {
	svc, _ := newSeededService(t, "2025-11-04")
	ctx := context.Background()
	snap := svc.Export()
	// Point the seeded LIB005 loan at a patron that no longer exists.
	for id, loan := range snap.Loans {
		loan.PatronID = 99
		snap.Loans[id] = loan
	}
	if err := svc.Restore(ctx, snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	receipt, res, err := svc.Return(ctx, "LIB005")
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if receipt.Loan.Status != domain.LoanClosed {
		t.Fatalf("expected loan closed, got %s", receipt.Loan.Status)
	}
	found := false
	for _, w := range res.Warnings() {
		if strings.Contains(w.Message, "missing patron 99") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected missing patron warning, got %+v", res.Warnings())
	}
}

func TestListLoansFiltersAndOrder(t *testing.T) {
	svc, clock := newSeededService(t, "2025-10-01")
	ctx := context.Background()
	if _, _, err := svc.Checkout(ctx, "LIB001", carlos, "2025-10-10"); err != nil {
		t.Fatalf("checkout LIB001: %v", err)
	}
	clock.set("2025-10-05")
	if _, _, err := svc.Checkout(ctx, "LIB003", carlos, "2025-12-01"); err != nil {
		t.Fatalf("checkout LIB003: %v", err)
	}
	if _, _, err := svc.Return(ctx, "LIB003"); err != nil {
		t.Fatalf("return LIB003: %v", err)
	}
	clock.set("2025-11-04")

	all, err := svc.ListLoans(ctx, LoanFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 loans, got %d", len(all))
	}
	if all[0].BookTitle != "Don Quijote de la Mancha" {
		t.Fatalf("expected newest loan first, got %+v", all[0])
	}

	overdue, err := svc.ListLoans(ctx, LoanFilter{Status: domain.LoanOverdue})
	if err != nil {
		t.Fatalf("list overdue: %v", err)
	}
	// The seeded LIB005 loan fell due on 2025-10-20 as well.
	if len(overdue) != 2 || overdue[0].Status != domain.LoanOverdue || overdue[0].BookTitle != "Cien anos de soledad" {
		t.Fatalf("expected LIB001 and LIB005 overdue, got %+v", overdue)
	}

	open, err := svc.ListLoans(ctx, LoanFilter{Status: domain.LoanOpen})
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open filter should include overdue loans, got %d", len(open))
	}

	mine, err := svc.ListLoans(ctx, LoanFilter{PatronID: mustPatron(t, svc, carlos).ID, Status: domain.LoanClosed})
	if err != nil {
		t.Fatalf("list closed: %v", err)
	}
	if len(mine) != 1 || mine[0].ReturnDate == nil {
		t.Fatalf("expected one closed loan for carlos, got %+v", mine)
	}

	got, err := svc.GetLoan(ctx, overdue[0].ID)
	if err != nil || got.Status != domain.LoanOverdue {
		t.Fatalf("get loan: %+v %v", got, err)
	}
	if _, err := svc.GetLoan(ctx, 404); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFinePolicy(t *testing.T) {
	p := DefaultFinePolicy()
	due := domain.MustParseDate("2025-10-30")
	if got := p.DaysLate(due, domain.MustParseDate("2025-10-29")); got != 0 {
		t.Fatalf("early return should not be late, got %d", got)
	}
	if got := p.DaysLate(due, due); got != 0 {
		t.Fatalf("return on due date should not be late, got %d", got)
	}
	days, fine := p.Assess(due, domain.MustParseDate("2025-11-09"))
	if days != 10 || !fine.Equal(decimal.RequireFromString("5.00")) {
		t.Fatalf("expected 10 days and 5.00, got %d %s", days, fine)
	}
	days, fine = p.Assess(domain.MustParseDate("1700-01-01"), domain.MustParseDate("2025-11-04"))
	if days != 119011 || !fine.Equal(decimal.RequireFromString("59505.50")) {
		t.Fatalf("expected 119011 days and 59505.50 for a distant due date, got %d %s", days, fine)
	}
	custom := FinePolicy{UnitFine: decimal.RequireFromString("0.25")}
	if got := custom.Fine(3); !got.Equal(decimal.RequireFromString("0.75")) {
		t.Fatalf("expected 0.75, got %s", got)
	}
}

func TestReceiptJSONRendersFineAsNumber(t *testing.T) {
	r := Receipt{Loan: Loan{Status: domain.LoanClosed}, DaysLate: 5, Fine: decimal.RequireFromString("2.50")}
	raw, err := r.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"fine":2.5`) || !strings.Contains(string(raw), `"daysLate":5`) {
		t.Fatalf("unexpected receipt json %s", raw)
	}
}

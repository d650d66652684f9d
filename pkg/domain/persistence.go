package domain

import (
	"context"
	"time"
)

// TransactionView provides read-only access to library state for rules,
// reports and lookups.
type TransactionView interface {
	ListBooks() []Book
	ListPatrons() []Patron
	ListLoans() []Loan
	ListTerms(kind TermKind) []Term
	FindBook(id int64) (Book, bool)
	FindBookByCode(code string) (Book, bool)
	FindPatron(id int64) (Patron, bool)
	FindPatronByEmail(email string) (Patron, bool)
	FindLoan(id int64) (Loan, bool)
	OpenLoansForBook(bookID int64) []Loan
	OpenLoansForPatron(patronID int64) []Loan
}

// Transaction exposes the mutations a persistence implementation must support
// within an atomic scope. Reads observe the transaction's own writes.
type Transaction interface {
	TransactionView
	// Now is the instant the transaction started, used for timestamps.
	Now() time.Time
	CreateBook(Book) (Book, error)
	UpdateBook(id int64, mutator func(*Book) error) (Book, error)
	DeleteBook(id int64) error
	CreatePatron(Patron) (Patron, error)
	UpdatePatron(id int64, mutator func(*Patron) error) (Patron, error)
	DeletePatron(id int64) error
	CreateLoan(Loan) (Loan, error)
	UpdateLoan(id int64, mutator func(*Loan) error) (Loan, error)
	CreateTerm(Term) (Term, error)
}

// PersistentStore is the storage abstraction the service layer depends on.
// Every RunInTransaction either commits all of its changes or none of them.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	ExportState() Snapshot
	ImportState(ctx context.Context, snapshot Snapshot) error
	Close() error
}

// Snapshot captures a point-in-time copy of the store state. Sequences holds
// the last identifier handed out per entity so ids are never reused.
type Snapshot struct {
	Books     map[int64]Book       `json:"books"`
	Patrons   map[int64]Patron     `json:"patrons"`
	Loans     map[int64]Loan       `json:"loans"`
	Terms     map[int64]Term       `json:"terms"`
	Sequences map[EntityType]int64 `json:"sequences"`
}

// NewSnapshot returns an empty snapshot with initialized maps.
func NewSnapshot() Snapshot {
	return Snapshot{
		Books:     make(map[int64]Book),
		Patrons:   make(map[int64]Patron),
		Loans:     make(map[int64]Loan),
		Terms:     make(map[int64]Term),
		Sequences: make(map[EntityType]int64),
	}
}

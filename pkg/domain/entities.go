// Package domain defines the persistent library records, value types, and
// rule evaluation primitives used by librarycore.
package domain

import "time"

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityBook identifies catalog book records.
	EntityBook EntityType = "book"
	// EntityPatron identifies borrower records.
	EntityPatron EntityType = "patron"
	// EntityLoan identifies loan ledger entries.
	EntityLoan EntityType = "loan"
	// EntityTerm identifies catalog lookup terms (categories, authors, locations).
	EntityTerm EntityType = "term"
)

// BookStatus captures circulation availability of a book.
type BookStatus string

// Book statuses written exclusively by the loan engine.
const (
	BookAvailable BookStatus = "available"
	BookLoaned    BookStatus = "loaned"
)

// Standing gates whether a patron may borrow.
type Standing string

// Patron standings. The loan engine reads standing but never writes it.
const (
	StandingActive     Standing = "active"
	StandingSanctioned Standing = "sanctioned"
)

// PatronKind classifies patrons for reporting.
type PatronKind string

// Patron kinds carried over from the circulation desk forms.
const (
	PatronStudent PatronKind = "student"
	PatronStaff   PatronKind = "staff"
)

// LoanStatus is the persisted two-state loan machine.
type LoanStatus string

// Loan statuses. LoanOverdue is a derived display label and is never persisted.
const (
	LoanOpen    LoanStatus = "open"
	LoanClosed  LoanStatus = "closed"
	LoanOverdue LoanStatus = "overdue"
)

// TermKind groups catalog lookup terms.
type TermKind string

// Lookup term kinds offered by catalog administration.
const (
	TermCategory TermKind = "category"
	TermAuthor   TermKind = "author"
	TermLocation TermKind = "location"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Book is a single catalog copy. Code is the barcode printed on the spine.
type Book struct {
	Base
	Code      string     `json:"barcode"`
	ISBN      string     `json:"isbn"`
	Title     string     `json:"title"`
	Author    string     `json:"author"`
	Category  string     `json:"category"`
	Location  string     `json:"location"`
	Synopsis  string     `json:"synopsis"`
	CoverURL  *string    `json:"coverUrl"`
	Status    BookStatus `json:"status"`
	LoanCount int        `json:"loanCount"`
}

// Patron is a person eligible to borrow books.
type Patron struct {
	Base
	Email           string     `json:"email"`
	Name            string     `json:"name"`
	Kind            PatronKind `json:"type"`
	Phone           string     `json:"phone"`
	Standing        Standing   `json:"status"`
	SanctionCount   int        `json:"sanctions"`
	ActiveLoanCount int        `json:"activeLoans"`
}

// Loan links one book and one patron over a date range. BookTitle and
// PatronName are snapshots taken at checkout and never refreshed.
type Loan struct {
	Base
	BookID     int64      `json:"bookId"`
	BookTitle  string     `json:"bookTitle"`
	PatronID   int64      `json:"userId"`
	PatronName string     `json:"userName"`
	LoanDate   Date       `json:"loanDate"`
	DueDate    Date       `json:"dueDate"`
	ReturnDate *Date      `json:"returnDate,omitempty"`
	Status     LoanStatus `json:"status"`
}

// IsOpen reports whether the loan has not been closed by a return.
func (l Loan) IsOpen() bool {
	return l.Status == LoanOpen
}

// DisplayStatus returns the status label shown to staff: open loans past
// their due date read as overdue.
func (l Loan) DisplayStatus(today Date) LoanStatus {
	if l.Status == LoanOpen && l.DueDate.Before(today) {
		return LoanOverdue
	}
	return l.Status
}

// Term is a named catalog lookup entry.
type Term struct {
	Base
	Kind TermKind `json:"kind"`
	Name string   `json:"name"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before ChangePayload
	After  ChangePayload
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID int64
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// Add appends a single violation.
func (r *Result) Add(v Violation) {
	r.Violations = append(r.Violations, v)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// Warnings returns the non-blocking violations in evaluation order.
func (r Result) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityWarn {
			out = append(out, v)
		}
	}
	return out
}

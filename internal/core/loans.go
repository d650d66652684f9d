package core

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"librarycore/pkg/domain"
)

// Checkout lends the book identified by bookRef (id or code) to the patron
// identified by patronRef (id or email) until dueDate (YYYY-MM-DD).
func (s *Service) Checkout(ctx context.Context, bookRef, patronRef, dueDate string) (Loan, Result, error) {
	var created Loan
	res, err := s.run(ctx, opCheckout, func(ctx context.Context) (int64, Result, error) {
		today := s.Today()
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			var err error
			created, err = s.checkoutTx(tx, bookRef, patronRef, dueDate, today)
			return err
		})
		return created.ID, res, err
	})
	if err != nil {
		return Loan{}, res, err
	}
	s.logger.Info("book checked out", "loan", created.ID, "book", created.BookID, "patron", created.PatronID, "due", created.DueDate.String())
	return created, res, nil
}

// checkoutTx applies a checkout inside an existing transaction.
func (s *Service) checkoutTx(tx Transaction, bookRef, patronRef, dueDate string, today Date) (Loan, error) {
	book, ok := resolveBook(tx, bookRef)
	if !ok {
		return Loan{}, domain.NotFoundError{Entity: string(EntityBook), Ref: bookRef}
	}
	patron, ok := resolvePatron(tx, patronRef)
	if !ok {
		return Loan{}, domain.NotFoundError{Entity: string(EntityPatron), Ref: patronRef}
	}
	if book.Status != domain.BookAvailable {
		return Loan{}, domain.ConflictError{Reason: domain.ReasonBookUnavailable, Detail: book.Code}
	}
	if patron.Standing != domain.StandingActive {
		return Loan{}, domain.ConflictError{Reason: domain.ReasonPatronRestricted, Detail: patron.Email}
	}
	due, err := s.parseDueDate(dueDate, today)
	if err != nil {
		return Loan{}, err
	}

	loan, err := tx.CreateLoan(Loan{
		BookID:     book.ID,
		BookTitle:  book.Title,
		PatronID:   patron.ID,
		PatronName: patron.Name,
		LoanDate:   today,
		DueDate:    due,
		Status:     domain.LoanOpen,
	})
	if err != nil {
		return Loan{}, err
	}
	if _, err := tx.UpdateBook(book.ID, func(b *Book) error {
		b.Status = domain.BookLoaned
		b.LoanCount++
		return nil
	}); err != nil {
		return Loan{}, err
	}
	if _, err := tx.UpdatePatron(patron.ID, func(p *Patron) error {
		p.ActiveLoanCount++
		return nil
	}); err != nil {
		return Loan{}, err
	}
	return loan, nil
}

// Return closes the open loan of the book identified by bookRef and assesses
// the late fee. When several loans are open for the book the most recent one
// is closed and a consistency warning is reported.
func (s *Service) Return(ctx context.Context, bookRef string) (Receipt, Result, error) {
	var receipt Receipt
	res, err := s.run(ctx, opReturn, func(ctx context.Context) (int64, Result, error) {
		today := s.Today()
		var extra Result
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			extra = Result{}
			book, ok := resolveBook(tx, bookRef)
			if !ok {
				return domain.NotFoundError{Entity: string(EntityBook), Ref: bookRef}
			}
			open := tx.OpenLoansForBook(book.ID)
			if len(open) == 0 {
				return domain.NotFoundError{Entity: domain.NotFoundNoActiveLoan, Ref: book.Code}
			}
			loan := latestLoan(open)
			if len(open) > 1 {
				extra.Add(Violation{
					Rule:     loanStateConsistencyRuleName,
					Severity: SeverityWarn,
					Message:  fmt.Sprintf("book %s had %d open loans; closing loan %d", book.Code, len(open), loan.ID),
					Entity:   EntityBook,
					EntityID: book.ID,
				})
			}

			daysLate, fine := s.fines.Assess(loan.DueDate, today)
			closed, err := tx.UpdateLoan(loan.ID, func(l *Loan) error {
				returned := today
				l.Status = domain.LoanClosed
				l.ReturnDate = &returned
				return nil
			})
			if err != nil {
				return err
			}
			if _, err := tx.UpdateBook(book.ID, func(b *Book) error {
				b.Status = domain.BookAvailable
				return nil
			}); err != nil {
				return err
			}
			if _, ok := tx.FindPatron(loan.PatronID); ok {
				if _, err := tx.UpdatePatron(loan.PatronID, func(p *Patron) error {
					if p.ActiveLoanCount > 0 {
						p.ActiveLoanCount--
					}
					if daysLate > 0 {
						p.SanctionCount++
					}
					return nil
				}); err != nil {
					return err
				}
			} else {
				extra.Add(Violation{
					Rule:     loanStateConsistencyRuleName,
					Severity: SeverityWarn,
					Message:  fmt.Sprintf("loan %d references missing patron %d", loan.ID, loan.PatronID),
					Entity:   EntityLoan,
					EntityID: loan.ID,
				})
			}
			receipt = Receipt{Loan: closed, DaysLate: daysLate, Fine: fine}
			return nil
		})
		res.Merge(extra)
		return receipt.Loan.ID, res, err
	})
	if err != nil {
		return Receipt{}, res, err
	}
	s.logger.Info("book returned", "loan", receipt.Loan.ID, "book", receipt.Loan.BookID, "days_late", receipt.DaysLate, "fine", receipt.Fine.String())
	return receipt, res, nil
}

// LoanFilter narrows ListLoans. Status accepts open, closed or overdue.
type LoanFilter struct {
	PatronID int64
	BookID   int64
	Status   domain.LoanStatus
}

// ListLoans returns loans newest first. The returned Status carries the
// display label, so open loans past due read as overdue.
func (s *Service) ListLoans(ctx context.Context, filter LoanFilter) ([]Loan, error) {
	today := s.Today()
	out := []Loan{}
	err := s.read(ctx, "list_loans", func(view TransactionView) error {
		for _, loan := range view.ListLoans() {
			if filter.PatronID != 0 && loan.PatronID != filter.PatronID {
				continue
			}
			if filter.BookID != 0 && loan.BookID != filter.BookID {
				continue
			}
			loan.Status = loan.DisplayStatus(today)
			if filter.Status != "" && !loanStatusMatches(loan.Status, filter.Status) {
				continue
			}
			out = append(out, loan)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LoanDate.Equal(out[j].LoanDate) {
			return out[i].LoanDate.After(out[j].LoanDate)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// GetLoan returns a single loan with its display status.
func (s *Service) GetLoan(ctx context.Context, id int64) (Loan, error) {
	today := s.Today()
	var loan Loan
	err := s.read(ctx, "get_loan", func(view TransactionView) error {
		found, ok := view.FindLoan(id)
		if !ok {
			return domain.NotFoundError{Entity: string(EntityLoan), Ref: strconv.FormatInt(id, 10)}
		}
		loan = found
		loan.Status = found.DisplayStatus(today)
		return nil
	})
	return loan, err
}

// open matches overdue loans too; overdue is a refinement of open.
func loanStatusMatches(display, want domain.LoanStatus) bool {
	if want == domain.LoanOpen {
		return display == domain.LoanOpen || display == domain.LoanOverdue
	}
	return display == want
}

func (s *Service) parseDueDate(raw string, today Date) (Date, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Date{}, domain.InvalidInputError{Field: "dueDate", Reason: domain.ReasonMissingDueDate}
	}
	due, err := domain.ParseDate(raw)
	if err != nil {
		return Date{}, domain.InvalidInputError{Field: "dueDate", Reason: domain.ReasonMalformedDueDate}
	}
	if s.strictDue && due.Before(today) {
		return Date{}, domain.InvalidInputError{Field: "dueDate", Reason: domain.ReasonDueBeforeLoan}
	}
	return due, nil
}

// latestLoan picks the loan with the most recent loan date, then the highest id.
func latestLoan(loans []Loan) Loan {
	best := loans[0]
	for _, l := range loans[1:] {
		if l.LoanDate.After(best.LoanDate) || (l.LoanDate.Equal(best.LoanDate) && l.ID > best.ID) {
			best = l
		}
	}
	return best
}

// resolveBook matches ref against the surrogate id first, then the code.
func resolveBook(view TransactionView, ref string) (Book, bool) {
	if ref == "" {
		return Book{}, false
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if book, ok := view.FindBook(id); ok {
			return book, true
		}
	}
	return view.FindBookByCode(ref)
}

// resolvePatron matches ref against the surrogate id first, then the email.
func resolvePatron(view TransactionView, ref string) (Patron, bool) {
	if ref == "" {
		return Patron{}, false
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if patron, ok := view.FindPatron(id); ok {
			return patron, true
		}
	}
	return view.FindPatronByEmail(ref)
}

package core

import (
	"context"
	"fmt"
	"sort"

	"librarycore/pkg/domain"
)

const loanStateConsistencyRuleName = "loan_state_consistency"

// NewLoanStateConsistencyRule warns when a touched book's status or a touched
// patron's active loan counter disagrees with the open loans in the ledger.
func NewLoanStateConsistencyRule() domain.Rule {
	return loanStateConsistencyRule{}
}

type loanStateConsistencyRule struct{}

func (loanStateConsistencyRule) Name() string { return loanStateConsistencyRuleName }

func (loanStateConsistencyRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	books := make(map[int64]struct{})
	patrons := make(map[int64]struct{})
	for _, change := range changes {
		if change.Action == domain.ActionDelete {
			continue
		}
		switch change.Entity {
		case domain.EntityBook:
			if b, ok := domain.DecodePayload[domain.Book](change.After); ok {
				books[b.ID] = struct{}{}
			}
		case domain.EntityPatron:
			if p, ok := domain.DecodePayload[domain.Patron](change.After); ok {
				patrons[p.ID] = struct{}{}
			}
		case domain.EntityLoan:
			if l, ok := domain.DecodePayload[domain.Loan](change.After); ok {
				books[l.BookID] = struct{}{}
				patrons[l.PatronID] = struct{}{}
			}
		}
	}

	res := domain.Result{}
	warn := func(entity domain.EntityType, id int64, format string, args ...any) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     loanStateConsistencyRuleName,
			Severity: domain.SeverityWarn,
			Message:  fmt.Sprintf(format, args...),
			Entity:   entity,
			EntityID: id,
		})
	}
	for id := range books {
		book, ok := view.FindBook(id)
		if !ok {
			continue
		}
		open := len(view.OpenLoansForBook(id))
		loaned := book.Status == domain.BookLoaned
		if loaned != (open == 1) {
			warn(domain.EntityBook, id, "book %s is %s with %d open loans", book.Code, book.Status, open)
		}
	}
	for id := range patrons {
		patron, ok := view.FindPatron(id)
		if !ok {
			continue
		}
		open := len(view.OpenLoansForPatron(id))
		if patron.ActiveLoanCount != open {
			warn(domain.EntityPatron, id, "patron %s counts %d active loans but holds %d", patron.Email, patron.ActiveLoanCount, open)
		}
	}
	sortViolations(res.Violations)
	return res, nil
}

func sortViolations(v []domain.Violation) {
	sort.SliceStable(v, func(i, j int) bool {
		if v[i].Entity != v[j].Entity {
			return v[i].Entity < v[j].Entity
		}
		return v[i].EntityID < v[j].EntityID
	})
}

package core

import (
	"context"
	"fmt"

	"librarycore/pkg/domain"
)

const singleOpenLoanRuleName = "single_open_loan"

// NewSingleOpenLoanRule blocks any transaction that leaves a book with more
// than one open loan.
func NewSingleOpenLoanRule() domain.Rule {
	return singleOpenLoanRule{}
}

type singleOpenLoanRule struct{}

func (singleOpenLoanRule) Name() string { return singleOpenLoanRuleName }

func (singleOpenLoanRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	checked := make(map[int64]struct{})
	for _, change := range changes {
		if change.Entity != domain.EntityLoan {
			continue
		}
		loan, ok := domain.DecodePayload[domain.Loan](change.After)
		if !ok {
			continue
		}
		if _, seen := checked[loan.BookID]; seen {
			continue
		}
		checked[loan.BookID] = struct{}{}
		open := view.OpenLoansForBook(loan.BookID)
		if len(open) > 1 {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     singleOpenLoanRuleName,
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("book %d would have %d open loans", loan.BookID, len(open)),
				Entity:   domain.EntityBook,
				EntityID: loan.BookID,
			})
		}
	}
	return res, nil
}

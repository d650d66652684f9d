package core

import (
	"context"
	"fmt"

	"librarycore/pkg/domain"
)

const loanTransitionRuleName = "loan_transition"

// NewLoanTransitionRule blocks illegal loan state transitions: loans are born
// open, close once with a return date and never reopen or disappear.
func NewLoanTransitionRule() domain.Rule {
	return loanTransitionRule{}
}

type loanTransitionRule struct{}

var persistedLoanStatuses = toSet(string(domain.LoanOpen), string(domain.LoanClosed))

func (loanTransitionRule) Name() string { return loanTransitionRuleName }

func (loanTransitionRule) Evaluate(_ context.Context, _ domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	block := func(id int64, format string, args ...any) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     loanTransitionRuleName,
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf(format, args...),
			Entity:   domain.EntityLoan,
			EntityID: id,
		})
	}
	for _, change := range changes {
		if change.Entity != domain.EntityLoan {
			continue
		}
		if change.Action == domain.ActionDelete {
			before, _ := domain.DecodePayload[domain.Loan](change.Before)
			block(before.ID, "loan %d cannot be deleted", before.ID)
			continue
		}
		after, ok := domain.DecodePayload[domain.Loan](change.After)
		if !ok {
			continue
		}
		if _, valid := persistedLoanStatuses[string(after.Status)]; !valid {
			block(after.ID, "loan %d is set to invalid state %s", after.ID, after.Status)
			continue
		}
		if after.Status == domain.LoanClosed && after.ReturnDate == nil {
			block(after.ID, "closed loan %d has no return date", after.ID)
			continue
		}
		if after.Status == domain.LoanOpen && after.ReturnDate != nil {
			block(after.ID, "open loan %d carries a return date", after.ID)
			continue
		}
		switch change.Action {
		case domain.ActionCreate:
			if after.Status != domain.LoanOpen {
				block(after.ID, "loan %d must be created open, got %s", after.ID, after.Status)
			}
		case domain.ActionUpdate:
			before, ok := domain.DecodePayload[domain.Loan](change.Before)
			if !ok {
				continue
			}
			if before.Status == domain.LoanClosed {
				block(after.ID, "cannot modify closed loan %d", after.ID)
			}
		}
	}
	return res, nil
}

func toSet(values ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

package core

import "librarycore/pkg/domain"

type (
	EntityType         = domain.EntityType
	Severity           = domain.Severity
	Base               = domain.Base
	Book               = domain.Book
	Patron             = domain.Patron
	Loan               = domain.Loan
	Term               = domain.Term
	Date               = domain.Date
	Change             = domain.Change
	Action             = domain.Action
	Violation          = domain.Violation
	Result             = domain.Result
	Rule               = domain.Rule
	RulesEngine        = domain.RulesEngine
	RuleViolationError = domain.RuleViolationError
	Transaction        = domain.Transaction
	TransactionView    = domain.TransactionView
	PersistentStore    = domain.PersistentStore
	Snapshot           = domain.Snapshot
)

const (
	EntityBook   = domain.EntityBook
	EntityPatron = domain.EntityPatron
	EntityLoan   = domain.EntityLoan
	EntityTerm   = domain.EntityTerm
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)

// NewRulesEngine constructs an empty rules engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in loan policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewSingleOpenLoanRule())
	engine.Register(NewLoanTransitionRule())
	engine.Register(NewLoanStateConsistencyRule())
	return engine
}

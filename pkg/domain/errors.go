package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so adapters can render them distinctly.
type ErrorKind string

// Error kinds surfaced by the loan engine and catalog administration.
const (
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindInvalidInput ErrorKind = "invalid_input"
	KindConsistency  ErrorKind = "consistency"
	KindInternal     ErrorKind = "internal"
)

// Conflict reasons.
const (
	ReasonBookUnavailable  = "book-unavailable"
	ReasonPatronRestricted = "patron-restricted"
	ReasonDuplicateCode    = "duplicate-code"
	ReasonDuplicateISBN    = "duplicate-isbn"
	ReasonDuplicateEmail   = "duplicate-email"
	ReasonDuplicateTerm    = "duplicate-term"
	ReasonOpenLoans        = "open-loans"
	ReasonStaleWrite       = "stale-write"
)

// Invalid input reasons.
const (
	ReasonMissingDueDate   = "missing-due-date"
	ReasonMalformedDueDate = "malformed-due-date"
	ReasonDueBeforeLoan    = "due-before-loan"
	ReasonRequired         = "required"
	ReasonMalformed        = "malformed"
)

// NotFoundNoActiveLoan is the Entity label used when a book has no open loan.
const NotFoundNoActiveLoan = "no-active-loan"

// NotFoundError reports a reference that did not resolve.
type NotFoundError struct {
	Entity string
	Ref    string
}

func (e NotFoundError) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.Ref)
}

// ConflictError reports a state-dependent rule that blocked the request.
type ConflictError struct {
	Reason string
	Detail string
}

func (e ConflictError) Error() string {
	if e.Detail == "" {
		return "conflict: " + e.Reason
	}
	return fmt.Sprintf("conflict: %s: %s", e.Reason, e.Detail)
}

// InvalidInputError reports a missing or malformed field.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Message
		}
	}
	return "transaction blocked by rules"
}

// KindOf maps err onto its ErrorKind. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var nf NotFoundError
	if errors.As(err, &nf) {
		return KindNotFound
	}
	var c ConflictError
	if errors.As(err, &c) {
		return KindConflict
	}
	var in InvalidInputError
	if errors.As(err, &in) {
		return KindInvalidInput
	}
	var rv RuleViolationError
	if errors.As(err, &rv) {
		return KindConsistency
	}
	return KindInternal
}

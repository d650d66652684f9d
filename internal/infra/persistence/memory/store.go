// Package memory provides an in-memory implementation of the library
// persistence store. The relational backends reuse it as their transactional
// working set.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"librarycore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Book aliases domain.Book.
	Book = domain.Book
	// Patron aliases domain.Patron.
	Patron = domain.Patron
	// Loan aliases domain.Loan.
	Loan = domain.Loan
	// Term aliases domain.Term.
	Term = domain.Term
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
	// Snapshot aliases domain.Snapshot.
	Snapshot = domain.Snapshot
)

// CommitHook runs inside the store's critical section after rules pass and
// before the new state becomes visible. A non-nil error aborts the commit.
type CommitHook func(ctx context.Context, changes []Change, next Snapshot) error

// Option configures a Store.
type Option func(*Store)

// WithCommitHook installs a hook that durably applies each transaction.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) { s.commit = hook }
}

// WithNowFunc overrides the clock used for record timestamps.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

type memoryState struct {
	books   map[int64]Book
	patrons map[int64]Patron
	loans   map[int64]Loan
	terms   map[int64]Term
	seq     map[domain.EntityType]int64
}

func newMemoryState() memoryState {
	return memoryState{
		books:   make(map[int64]Book),
		patrons: make(map[int64]Patron),
		loans:   make(map[int64]Loan),
		terms:   make(map[int64]Term),
		seq:     make(map[domain.EntityType]int64),
	}
}

func (s memoryState) clone() memoryState {
	cloned := memoryState{
		books:   make(map[int64]Book, len(s.books)),
		patrons: make(map[int64]Patron, len(s.patrons)),
		loans:   make(map[int64]Loan, len(s.loans)),
		terms:   make(map[int64]Term, len(s.terms)),
		seq:     make(map[domain.EntityType]int64, len(s.seq)),
	}
	for k, v := range s.books {
		cloned.books[k] = cloneBook(v)
	}
	for k, v := range s.patrons {
		cloned.patrons[k] = v
	}
	for k, v := range s.loans {
		cloned.loans[k] = cloneLoan(v)
	}
	for k, v := range s.terms {
		cloned.terms[k] = v
	}
	for k, v := range s.seq {
		cloned.seq[k] = v
	}
	return cloned
}

func (s memoryState) snapshot() Snapshot {
	c := s.clone()
	return Snapshot{Books: c.books, Patrons: c.patrons, Loans: c.loans, Terms: c.terms, Sequences: c.seq}
}

func stateFromSnapshot(snap Snapshot) memoryState {
	state := memoryState{
		books:   snap.Books,
		patrons: snap.Patrons,
		loans:   snap.Loans,
		terms:   snap.Terms,
		seq:     snap.Sequences,
	}
	if state.books == nil {
		state.books = make(map[int64]Book)
	}
	if state.patrons == nil {
		state.patrons = make(map[int64]Patron)
	}
	if state.loans == nil {
		state.loans = make(map[int64]Loan)
	}
	if state.terms == nil {
		state.terms = make(map[int64]Term)
	}
	if state.seq == nil {
		state.seq = make(map[domain.EntityType]int64)
	}
	state = state.clone()
	// Older snapshots may lack sequences; never hand out an id already in use.
	raise := func(entity domain.EntityType, id int64) {
		if id > state.seq[entity] {
			state.seq[entity] = id
		}
	}
	for id := range state.books {
		raise(domain.EntityBook, id)
	}
	for id := range state.patrons {
		raise(domain.EntityPatron, id)
	}
	for id := range state.loans {
		raise(domain.EntityLoan, id)
	}
	for id := range state.terms {
		raise(domain.EntityTerm, id)
	}
	return state
}

func cloneBook(b Book) Book {
	if b.CoverURL != nil {
		v := *b.CoverURL
		b.CoverURL = &v
	}
	return b
}

func cloneLoan(l Loan) Loan {
	if l.ReturnDate != nil {
		v := *l.ReturnDate
		l.ReturnDate = &v
	}
	return l
}

// Store provides an in-memory transactional store for the library domain.
// Transactions are serialized by a single writer lock.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
	commit CommitHook
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RulesEngine exposes the configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	return s.engine
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.snapshot()
}

// ImportState replaces the store state with the provided snapshot. The commit
// hook is not invoked; use ReplaceState to persist in the same critical section.
func (s *Store) ImportState(ctx context.Context, snapshot Snapshot) error {
	return s.ReplaceState(ctx, snapshot, nil)
}

// ReplaceState runs persist and then swaps in snapshot while holding the
// writer lock, so no transaction can commit between the two steps. A persist
// error leaves the state untouched.
func (s *Store) ReplaceState(ctx context.Context, snapshot Snapshot, persist func(context.Context, Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := stateFromSnapshot(snapshot)
	if persist != nil {
		if err := persist(ctx, next.snapshot()); err != nil {
			return err
		}
	}
	s.state = next
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// RunInTransaction executes fn within a transactional copy of the store state.
// Rules run against the copy; the copy replaces the live state only when no
// rule blocks and the commit hook succeeds.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	tx.view = transactionView{state: &tx.state}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, tx.view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if s.commit != nil && len(tx.changes) > 0 {
		if err := s.commit(ctx, tx.changes, tx.state.snapshot()); err != nil {
			return result, fmt.Errorf("commit: %w", err)
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(transactionView{state: &snapshot})
}

type transactionView struct {
	state *memoryState
}

func (v transactionView) ListBooks() []Book {
	out := make([]Book, 0, len(v.state.books))
	for _, b := range v.state.books {
		out = append(out, cloneBook(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) ListPatrons() []Patron {
	out := make([]Patron, 0, len(v.state.patrons))
	for _, p := range v.state.patrons {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) ListLoans() []Loan {
	out := make([]Loan, 0, len(v.state.loans))
	for _, l := range v.state.loans {
		out = append(out, cloneLoan(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) ListTerms(kind domain.TermKind) []Term {
	var out []Term
	for _, t := range v.state.terms {
		if kind == "" || t.Kind == kind {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) FindBook(id int64) (Book, bool) {
	b, ok := v.state.books[id]
	if !ok {
		return Book{}, false
	}
	return cloneBook(b), true
}

func (v transactionView) FindBookByCode(code string) (Book, bool) {
	for _, b := range v.state.books {
		if b.Code == code {
			return cloneBook(b), true
		}
	}
	return Book{}, false
}

func (v transactionView) FindPatron(id int64) (Patron, bool) {
	p, ok := v.state.patrons[id]
	return p, ok
}

func (v transactionView) FindPatronByEmail(email string) (Patron, bool) {
	for _, p := range v.state.patrons {
		if p.Email == email {
			return p, true
		}
	}
	return Patron{}, false
}

func (v transactionView) FindLoan(id int64) (Loan, bool) {
	l, ok := v.state.loans[id]
	if !ok {
		return Loan{}, false
	}
	return cloneLoan(l), true
}

func (v transactionView) OpenLoansForBook(bookID int64) []Loan {
	return v.openLoans(func(l Loan) bool { return l.BookID == bookID })
}

func (v transactionView) OpenLoansForPatron(patronID int64) []Loan {
	return v.openLoans(func(l Loan) bool { return l.PatronID == patronID })
}

func (v transactionView) openLoans(match func(Loan) bool) []Loan {
	var out []Loan
	for _, l := range v.state.loans {
		if l.IsOpen() && match(l) {
			out = append(out, cloneLoan(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// transaction represents a mutation set applied to a private copy of the state.
type transaction struct {
	view    transactionView
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

func (tx *transaction) ListBooks() []Book { return tx.view.ListBooks() }
func (tx *transaction) ListPatrons() []Patron { return tx.view.ListPatrons() }
func (tx *transaction) ListLoans() []Loan { return tx.view.ListLoans() }
func (tx *transaction) ListTerms(kind domain.TermKind) []Term { return tx.view.ListTerms(kind) }
func (tx *transaction) FindBook(id int64) (Book, bool) { return tx.view.FindBook(id) }
func (tx *transaction) FindBookByCode(c string) (Book, bool) { return tx.view.FindBookByCode(c) }
func (tx *transaction) FindPatron(id int64) (Patron, bool) { return tx.view.FindPatron(id) }
func (tx *transaction) FindLoan(id int64) (Loan, bool) { return tx.view.FindLoan(id) }
func (tx *transaction) OpenLoansForBook(id int64) []Loan { return tx.view.OpenLoansForBook(id) }
func (tx *transaction) OpenLoansForPatron(id int64) []Loan { return tx.view.OpenLoansForPatron(id) }
func (tx *transaction) FindPatronByEmail(e string) (Patron, bool) { return tx.view.FindPatronByEmail(e) }

// Now returns the transaction start time.
func (tx *transaction) Now() time.Time { return tx.now }

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// assignID hands out the next sequence value, or accepts an explicit id that
// is not yet taken and advances the sequence past it.
func (tx *transaction) assignID(entity domain.EntityType, requested int64, taken func(int64) bool) (int64, error) {
	if requested == 0 {
		tx.state.seq[entity]++
		return tx.state.seq[entity], nil
	}
	if requested < 0 {
		return 0, domain.InvalidInputError{Field: "id", Reason: domain.ReasonMalformed}
	}
	if taken(requested) {
		return 0, fmt.Errorf("%s %d already exists", entity, requested)
	}
	if requested > tx.state.seq[entity] {
		tx.state.seq[entity] = requested
	}
	return requested, nil
}

func ref(id int64) string { return strconv.FormatInt(id, 10) }

// CreateBook stores a new book. Codes and ISBNs are unique.
func (tx *transaction) CreateBook(b Book) (Book, error) {
	if b.Code == "" {
		return Book{}, domain.InvalidInputError{Field: "barcode", Reason: domain.ReasonRequired}
	}
	if err := tx.checkBookUnique(0, b); err != nil {
		return Book{}, err
	}
	id, err := tx.assignID(domain.EntityBook, b.ID, func(id int64) bool { _, ok := tx.state.books[id]; return ok })
	if err != nil {
		return Book{}, err
	}
	b.ID = id
	if b.Status == "" {
		b.Status = domain.BookAvailable
	}
	b.CreatedAt = tx.now
	b.UpdatedAt = tx.now
	tx.state.books[b.ID] = cloneBook(b)
	tx.recordChange(Change{Entity: domain.EntityBook, Action: domain.ActionCreate, After: domain.PayloadOf(b)})
	return cloneBook(b), nil
}

// UpdateBook mutates a book using the provided mutator function. The code is
// immutable once assigned.
func (tx *transaction) UpdateBook(id int64, mutator func(*Book) error) (Book, error) {
	current, ok := tx.state.books[id]
	if !ok {
		return Book{}, domain.NotFoundError{Entity: string(domain.EntityBook), Ref: ref(id)}
	}
	before := cloneBook(current)
	if err := mutator(&current); err != nil {
		return Book{}, err
	}
	if current.Code != before.Code {
		return Book{}, domain.InvalidInputError{Field: "barcode", Reason: "immutable"}
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	if err := tx.checkBookUnique(id, current); err != nil {
		return Book{}, err
	}
	tx.state.books[id] = cloneBook(current)
	tx.recordChange(Change{Entity: domain.EntityBook, Action: domain.ActionUpdate, Before: domain.PayloadOf(before), After: domain.PayloadOf(current)})
	return cloneBook(current), nil
}

// DeleteBook removes a book that has no open loan.
func (tx *transaction) DeleteBook(id int64) error {
	current, ok := tx.state.books[id]
	if !ok {
		return domain.NotFoundError{Entity: string(domain.EntityBook), Ref: ref(id)}
	}
	if open := tx.view.OpenLoansForBook(id); len(open) > 0 {
		return domain.ConflictError{Reason: domain.ReasonOpenLoans, Detail: fmt.Sprintf("book %s is on loan", current.Code)}
	}
	delete(tx.state.books, id)
	tx.recordChange(Change{Entity: domain.EntityBook, Action: domain.ActionDelete, Before: domain.PayloadOf(current)})
	return nil
}

func (tx *transaction) checkBookUnique(self int64, b Book) error {
	for _, other := range tx.state.books {
		if other.ID == self {
			continue
		}
		if other.Code == b.Code {
			return domain.ConflictError{Reason: domain.ReasonDuplicateCode, Detail: b.Code}
		}
		if b.ISBN != "" && other.ISBN == b.ISBN {
			return domain.ConflictError{Reason: domain.ReasonDuplicateISBN, Detail: b.ISBN}
		}
	}
	return nil
}

// CreatePatron stores a new patron. Emails are unique.
func (tx *transaction) CreatePatron(p Patron) (Patron, error) {
	if p.Email == "" {
		return Patron{}, domain.InvalidInputError{Field: "email", Reason: domain.ReasonRequired}
	}
	if err := tx.checkPatronUnique(0, p); err != nil {
		return Patron{}, err
	}
	id, err := tx.assignID(domain.EntityPatron, p.ID, func(id int64) bool { _, ok := tx.state.patrons[id]; return ok })
	if err != nil {
		return Patron{}, err
	}
	p.ID = id
	if p.Standing == "" {
		p.Standing = domain.StandingActive
	}
	if p.Kind == "" {
		p.Kind = domain.PatronStudent
	}
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now
	tx.state.patrons[p.ID] = p
	tx.recordChange(Change{Entity: domain.EntityPatron, Action: domain.ActionCreate, After: domain.PayloadOf(p)})
	return p, nil
}

// UpdatePatron mutates a patron using the provided mutator function.
func (tx *transaction) UpdatePatron(id int64, mutator func(*Patron) error) (Patron, error) {
	current, ok := tx.state.patrons[id]
	if !ok {
		return Patron{}, domain.NotFoundError{Entity: string(domain.EntityPatron), Ref: ref(id)}
	}
	before := current
	if err := mutator(&current); err != nil {
		return Patron{}, err
	}
	if current.Email == "" {
		return Patron{}, domain.InvalidInputError{Field: "email", Reason: domain.ReasonRequired}
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	if err := tx.checkPatronUnique(id, current); err != nil {
		return Patron{}, err
	}
	tx.state.patrons[id] = current
	tx.recordChange(Change{Entity: domain.EntityPatron, Action: domain.ActionUpdate, Before: domain.PayloadOf(before), After: domain.PayloadOf(current)})
	return current, nil
}

// DeletePatron removes a patron without open loans.
func (tx *transaction) DeletePatron(id int64) error {
	current, ok := tx.state.patrons[id]
	if !ok {
		return domain.NotFoundError{Entity: string(domain.EntityPatron), Ref: ref(id)}
	}
	if open := tx.view.OpenLoansForPatron(id); len(open) > 0 {
		return domain.ConflictError{Reason: domain.ReasonOpenLoans, Detail: fmt.Sprintf("patron %s holds %d loans", current.Email, len(open))}
	}
	delete(tx.state.patrons, id)
	tx.recordChange(Change{Entity: domain.EntityPatron, Action: domain.ActionDelete, Before: domain.PayloadOf(current)})
	return nil
}

func (tx *transaction) checkPatronUnique(self int64, p Patron) error {
	for _, other := range tx.state.patrons {
		if other.ID != self && other.Email == p.Email {
			return domain.ConflictError{Reason: domain.ReasonDuplicateEmail, Detail: p.Email}
		}
	}
	return nil
}

// CreateLoan appends a loan to the ledger. The referenced book and patron
// must exist in the same transaction.
func (tx *transaction) CreateLoan(l Loan) (Loan, error) {
	if _, ok := tx.state.books[l.BookID]; !ok {
		return Loan{}, domain.NotFoundError{Entity: string(domain.EntityBook), Ref: ref(l.BookID)}
	}
	if _, ok := tx.state.patrons[l.PatronID]; !ok {
		return Loan{}, domain.NotFoundError{Entity: string(domain.EntityPatron), Ref: ref(l.PatronID)}
	}
	id, err := tx.assignID(domain.EntityLoan, l.ID, func(id int64) bool { _, ok := tx.state.loans[id]; return ok })
	if err != nil {
		return Loan{}, err
	}
	l.ID = id
	if l.Status == "" {
		l.Status = domain.LoanOpen
	}
	l.CreatedAt = tx.now
	l.UpdatedAt = tx.now
	tx.state.loans[l.ID] = cloneLoan(l)
	tx.recordChange(Change{Entity: domain.EntityLoan, Action: domain.ActionCreate, After: domain.PayloadOf(l)})
	return cloneLoan(l), nil
}

// UpdateLoan mutates a loan. The book, patron and loan date are fixed at creation.
func (tx *transaction) UpdateLoan(id int64, mutator func(*Loan) error) (Loan, error) {
	current, ok := tx.state.loans[id]
	if !ok {
		return Loan{}, domain.NotFoundError{Entity: string(domain.EntityLoan), Ref: ref(id)}
	}
	before := cloneLoan(current)
	if err := mutator(&current); err != nil {
		return Loan{}, err
	}
	if current.BookID != before.BookID || current.PatronID != before.PatronID || !current.LoanDate.Equal(before.LoanDate) {
		return Loan{}, domain.InvalidInputError{Field: "loan", Reason: "immutable"}
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.loans[id] = cloneLoan(current)
	tx.recordChange(Change{Entity: domain.EntityLoan, Action: domain.ActionUpdate, Before: domain.PayloadOf(before), After: domain.PayloadOf(current)})
	return cloneLoan(current), nil
}

// CreateTerm stores a lookup term; names are unique per kind.
func (tx *transaction) CreateTerm(t Term) (Term, error) {
	if t.Name == "" {
		return Term{}, domain.InvalidInputError{Field: "name", Reason: domain.ReasonRequired}
	}
	for _, other := range tx.state.terms {
		if other.Kind == t.Kind && other.Name == t.Name {
			return Term{}, domain.ConflictError{Reason: domain.ReasonDuplicateTerm, Detail: t.Name}
		}
	}
	id, err := tx.assignID(domain.EntityTerm, t.ID, func(id int64) bool { _, ok := tx.state.terms[id]; return ok })
	if err != nil {
		return Term{}, err
	}
	t.ID = id
	t.CreatedAt = tx.now
	t.UpdatedAt = tx.now
	tx.state.terms[t.ID] = t
	tx.recordChange(Change{Entity: domain.EntityTerm, Action: domain.ActionCreate, After: domain.PayloadOf(t)})
	return t, nil
}

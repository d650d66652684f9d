package relational

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"librarycore/internal/infra/persistence/memory"
	"librarycore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	metaSchemaVersion = "schema_version"
	metaSeqPrefix     = "seq."
	openLoanIndex     = "loans_one_open_per_book"

	pgUniqueViolation       = "23505"
	sqliteOpenLoanViolation = "UNIQUE constraint failed: loans.book_id"
)

var sequencedEntities = []domain.EntityType{domain.EntityBook, domain.EntityPatron, domain.EntityLoan, domain.EntityTerm}

// Store keeps the working set in a memory.Store and applies every committed
// transaction's changes to SQL inside one database transaction. A failed SQL
// commit discards the in-memory transaction as well.
type Store struct {
	*memory.Store
	db      *sql.DB
	dialect Dialect
}

// Open migrates db, loads its contents and returns a ready store. opts are
// passed to the embedded memory store.
func Open(ctx context.Context, db *sql.DB, dialect Dialect, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if err := Migrate(ctx, db, dialect); err != nil {
		return nil, err
	}
	snapshot, err := Load(ctx, db, dialect)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, dialect: dialect}
	opts = append(opts, memory.WithCommitHook(s.apply))
	s.Store = memory.NewStore(engine, opts...)
	if err := s.Store.ImportState(ctx, snapshot); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports the SQL dialect in use.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ImportState replaces every table and the working set with snapshot under
// the working set's writer lock.
func (s *Store) ImportState(ctx context.Context, snapshot domain.Snapshot) error {
	return s.Store.ReplaceState(ctx, snapshot, s.replaceTables)
}

func (s *Store) replaceTables(ctx context.Context, snapshot domain.Snapshot) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"loans", "books", "patrons", "terms"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		for _, b := range snapshot.Books {
			if err := s.insertBook(ctx, tx, b); err != nil {
				return err
			}
		}
		for _, p := range snapshot.Patrons {
			if err := s.insertPatron(ctx, tx, p); err != nil {
				return err
			}
		}
		for _, l := range snapshot.Loans {
			if err := s.insertLoan(ctx, tx, l); err != nil {
				return err
			}
		}
		for _, t := range snapshot.Terms {
			if err := s.insertTerm(ctx, tx, t); err != nil {
				return err
			}
		}
		return s.writeSequences(ctx, tx, sequencesOf(snapshot))
	})
	if err != nil {
		return fmt.Errorf("import %s: %w", s.dialect.Name, err)
	}
	return nil
}

// Migrate creates missing tables and records the schema version.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	for _, stmt := range dialect.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	var raw string
	err := db.QueryRowContext(ctx, dialect.Rebind(`SELECT value FROM meta WHERE key = ?`), metaSchemaVersion).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = db.ExecContext(ctx, dialect.Rebind(`INSERT INTO meta (key, value) VALUES (?, ?)`), metaSchemaVersion, strconv.Itoa(SchemaVersion))
		if err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parse schema version %q: %w", raw, err)
	}
	if version > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, SchemaVersion)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// apply is the memory store commit hook.
func (s *Store) apply(ctx context.Context, changes []domain.Change, next domain.Snapshot) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, change := range changes {
			if err := s.applyChange(ctx, tx, change); err != nil {
				return classify(err)
			}
		}
		return s.writeSequences(ctx, tx, next.Sequences)
	})
}

func (s *Store) applyChange(ctx context.Context, tx *sql.Tx, change domain.Change) error {
	switch change.Entity {
	case domain.EntityBook:
		return applyEntity(change, func(b domain.Book) error { return s.insertBook(ctx, tx, b) },
			func(before, after domain.Book) error { return s.updateBook(ctx, tx, before, after) },
			func(b domain.Book) error { return s.deleteRow(ctx, tx, "books", b.ID) })
	case domain.EntityPatron:
		return applyEntity(change, func(p domain.Patron) error { return s.insertPatron(ctx, tx, p) },
			func(_, after domain.Patron) error { return s.updatePatron(ctx, tx, after) },
			func(p domain.Patron) error { return s.deleteRow(ctx, tx, "patrons", p.ID) })
	case domain.EntityLoan:
		return applyEntity(change, func(l domain.Loan) error { return s.insertLoan(ctx, tx, l) },
			func(before, after domain.Loan) error { return s.updateLoan(ctx, tx, before, after) },
			func(l domain.Loan) error { return fmt.Errorf("loan %d: loans are never deleted", l.ID) })
	case domain.EntityTerm:
		return applyEntity(change, func(t domain.Term) error { return s.insertTerm(ctx, tx, t) },
			func(_, after domain.Term) error { return fmt.Errorf("term %d: terms are immutable", after.ID) },
			func(t domain.Term) error { return s.deleteRow(ctx, tx, "terms", t.ID) })
	default:
		return fmt.Errorf("unsupported entity %q", change.Entity)
	}
}

func applyEntity[T any](change domain.Change, create func(T) error, update func(before, after T) error, remove func(T) error) error {
	switch change.Action {
	case domain.ActionCreate:
		after, ok := domain.DecodePayload[T](change.After)
		if !ok {
			return fmt.Errorf("%s create: undecodable payload", change.Entity)
		}
		return create(after)
	case domain.ActionUpdate:
		before, okBefore := domain.DecodePayload[T](change.Before)
		after, okAfter := domain.DecodePayload[T](change.After)
		if !okBefore || !okAfter {
			return fmt.Errorf("%s update: undecodable payload", change.Entity)
		}
		return update(before, after)
	case domain.ActionDelete:
		before, ok := domain.DecodePayload[T](change.Before)
		if !ok {
			return fmt.Errorf("%s delete: undecodable payload", change.Entity)
		}
		return remove(before)
	default:
		return fmt.Errorf("unsupported action %q", change.Action)
	}
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	return tx.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) insertBook(ctx context.Context, tx *sql.Tx, b domain.Book) error {
	_, err := s.exec(ctx, tx, `INSERT INTO books (id, code, isbn, title, author, category, location, synopsis, cover_url, status, loan_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Code, nullString(b.ISBN), b.Title, b.Author, b.Category, b.Location, b.Synopsis, b.CoverURL,
		string(b.Status), b.LoanCount, timestamp(b.CreatedAt), timestamp(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert book %d: %w", b.ID, err)
	}
	return nil
}

// updateBook compares-and-swaps on the previous status so a concurrent writer
// on the same database cannot be overwritten silently.
func (s *Store) updateBook(ctx context.Context, tx *sql.Tx, before, after domain.Book) error {
	res, err := s.exec(ctx, tx, `UPDATE books SET isbn = ?, title = ?, author = ?, category = ?, location = ?, synopsis = ?, cover_url = ?,
		status = ?, loan_count = ?, updated_at = ? WHERE id = ? AND status = ?`,
		nullString(after.ISBN), after.Title, after.Author, after.Category, after.Location, after.Synopsis, after.CoverURL,
		string(after.Status), after.LoanCount, timestamp(after.UpdatedAt), after.ID, string(before.Status))
	if err != nil {
		return fmt.Errorf("update book %d: %w", after.ID, err)
	}
	return expectOne(res, domain.EntityBook, after.ID)
}

func (s *Store) insertPatron(ctx context.Context, tx *sql.Tx, p domain.Patron) error {
	_, err := s.exec(ctx, tx, `INSERT INTO patrons (id, email, name, kind, phone, standing, sanction_count, active_loan_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Email, p.Name, string(p.Kind), p.Phone, string(p.Standing), p.SanctionCount, p.ActiveLoanCount,
		timestamp(p.CreatedAt), timestamp(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert patron %d: %w", p.ID, err)
	}
	return nil
}

func (s *Store) updatePatron(ctx context.Context, tx *sql.Tx, p domain.Patron) error {
	res, err := s.exec(ctx, tx, `UPDATE patrons SET email = ?, name = ?, kind = ?, phone = ?, standing = ?, sanction_count = ?,
		active_loan_count = ?, updated_at = ? WHERE id = ?`,
		p.Email, p.Name, string(p.Kind), p.Phone, string(p.Standing), p.SanctionCount, p.ActiveLoanCount,
		timestamp(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update patron %d: %w", p.ID, err)
	}
	return expectOne(res, domain.EntityPatron, p.ID)
}

func (s *Store) insertLoan(ctx context.Context, tx *sql.Tx, l domain.Loan) error {
	_, err := s.exec(ctx, tx, `INSERT INTO loans (id, book_id, book_title, patron_id, patron_name, loan_date, due_date, return_date, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.BookID, l.BookTitle, l.PatronID, l.PatronName, l.LoanDate, l.DueDate, l.ReturnDate,
		string(l.Status), timestamp(l.CreatedAt), timestamp(l.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert loan %d: %w", l.ID, err)
	}
	return nil
}

func (s *Store) updateLoan(ctx context.Context, tx *sql.Tx, before, after domain.Loan) error {
	res, err := s.exec(ctx, tx, `UPDATE loans SET due_date = ?, return_date = ?, status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		after.DueDate, after.ReturnDate, string(after.Status), timestamp(after.UpdatedAt), after.ID, string(before.Status))
	if err != nil {
		return fmt.Errorf("update loan %d: %w", after.ID, err)
	}
	return expectOne(res, domain.EntityLoan, after.ID)
}

func (s *Store) insertTerm(ctx context.Context, tx *sql.Tx, t domain.Term) error {
	_, err := s.exec(ctx, tx, `INSERT INTO terms (id, kind, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, string(t.Kind), t.Name, timestamp(t.CreatedAt), timestamp(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert term %d: %w", t.ID, err)
	}
	return nil
}

func (s *Store) deleteRow(ctx context.Context, tx *sql.Tx, table string, id int64) error {
	if _, err := s.exec(ctx, tx, "DELETE FROM "+table+" WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete %s %d: %w", table, id, err)
	}
	return nil
}

func (s *Store) writeSequences(ctx context.Context, tx *sql.Tx, seq map[domain.EntityType]int64) error {
	for _, entity := range sequencedEntities {
		_, err := s.exec(ctx, tx, `INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
			metaSeqPrefix+string(entity), strconv.FormatInt(seq[entity], 10))
		if err != nil {
			return fmt.Errorf("write %s sequence: %w", entity, err)
		}
	}
	return nil
}

func expectOne(res sql.Result, entity domain.EntityType, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return domain.ConflictError{Reason: domain.ReasonStaleWrite, Detail: fmt.Sprintf("%s %d changed underneath this transaction", entity, id)}
	}
	return nil
}

// classify maps the open-loan index violation onto the checkout conflict it
// represents. Postgres names the index; SQLite only names the indexed column.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr):
		if pgErr.Code != pgUniqueViolation || pgErr.ConstraintName != openLoanIndex {
			return err
		}
	case !strings.Contains(err.Error(), sqliteOpenLoanViolation):
		return err
	}
	return domain.ConflictError{Reason: domain.ReasonBookUnavailable, Detail: err.Error()}
}

func sequencesOf(snapshot domain.Snapshot) map[domain.EntityType]int64 {
	seq := make(map[domain.EntityType]int64, len(sequencedEntities))
	for k, v := range snapshot.Sequences {
		seq[k] = v
	}
	raise := func(entity domain.EntityType, id int64) {
		if id > seq[entity] {
			seq[entity] = id
		}
	}
	for id := range snapshot.Books {
		raise(domain.EntityBook, id)
	}
	for id := range snapshot.Patrons {
		raise(domain.EntityPatron, id)
	}
	for id := range snapshot.Loans {
		raise(domain.EntityLoan, id)
	}
	for id := range snapshot.Terms {
		raise(domain.EntityTerm, id)
	}
	return seq
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

package relational

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"librarycore/pkg/domain"
)

// Load reads every table into a snapshot.
func Load(ctx context.Context, db *sql.DB, dialect Dialect) (domain.Snapshot, error) {
	snap := domain.NewSnapshot()
	if err := loadBooks(ctx, db, snap.Books); err != nil {
		return domain.Snapshot{}, err
	}
	if err := loadPatrons(ctx, db, snap.Patrons); err != nil {
		return domain.Snapshot{}, err
	}
	if err := loadLoans(ctx, db, snap.Loans); err != nil {
		return domain.Snapshot{}, err
	}
	if err := loadTerms(ctx, db, snap.Terms); err != nil {
		return domain.Snapshot{}, err
	}
	if err := loadSequences(ctx, db, dialect, snap.Sequences); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

func queryRows(ctx context.Context, db *sql.DB, table, query string, scan func(*sql.Rows) error) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("select %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return fmt.Errorf("scan %s: %w", table, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", table, err)
	}
	return nil
}

func loadBooks(ctx context.Context, db *sql.DB, out map[int64]domain.Book) error {
	const q = `SELECT id, code, isbn, title, author, category, location, synopsis, cover_url, status, loan_count, created_at, updated_at FROM books`
	return queryRows(ctx, db, "books", q, func(rows *sql.Rows) error {
		var (
			b      domain.Book
			isbn   sql.NullString
			cover  sql.NullString
			status string
		)
		if err := rows.Scan(&b.ID, &b.Code, &isbn, &b.Title, &b.Author, &b.Category, &b.Location, &b.Synopsis, &cover,
			&status, &b.LoanCount, (*timeValue)(&b.CreatedAt), (*timeValue)(&b.UpdatedAt)); err != nil {
			return err
		}
		b.ISBN = isbn.String
		if cover.Valid {
			v := cover.String
			b.CoverURL = &v
		}
		b.Status = domain.BookStatus(status)
		out[b.ID] = b
		return nil
	})
}

func loadPatrons(ctx context.Context, db *sql.DB, out map[int64]domain.Patron) error {
	const q = `SELECT id, email, name, kind, phone, standing, sanction_count, active_loan_count, created_at, updated_at FROM patrons`
	return queryRows(ctx, db, "patrons", q, func(rows *sql.Rows) error {
		var (
			p              domain.Patron
			kind, standing string
		)
		if err := rows.Scan(&p.ID, &p.Email, &p.Name, &kind, &p.Phone, &standing, &p.SanctionCount, &p.ActiveLoanCount,
			(*timeValue)(&p.CreatedAt), (*timeValue)(&p.UpdatedAt)); err != nil {
			return err
		}
		p.Kind = domain.PatronKind(kind)
		p.Standing = domain.Standing(standing)
		out[p.ID] = p
		return nil
	})
}

func loadLoans(ctx context.Context, db *sql.DB, out map[int64]domain.Loan) error {
	const q = `SELECT id, book_id, book_title, patron_id, patron_name, loan_date, due_date, return_date, status, created_at, updated_at FROM loans`
	return queryRows(ctx, db, "loans", q, func(rows *sql.Rows) error {
		var (
			l        domain.Loan
			returned domain.Date
			status   string
		)
		if err := rows.Scan(&l.ID, &l.BookID, &l.BookTitle, &l.PatronID, &l.PatronName, &l.LoanDate, &l.DueDate, &returned,
			&status, (*timeValue)(&l.CreatedAt), (*timeValue)(&l.UpdatedAt)); err != nil {
			return err
		}
		if !returned.IsZero() {
			l.ReturnDate = &returned
		}
		l.Status = domain.LoanStatus(status)
		out[l.ID] = l
		return nil
	})
}

func loadTerms(ctx context.Context, db *sql.DB, out map[int64]domain.Term) error {
	const q = `SELECT id, kind, name, created_at, updated_at FROM terms`
	return queryRows(ctx, db, "terms", q, func(rows *sql.Rows) error {
		var (
			t    domain.Term
			kind string
		)
		if err := rows.Scan(&t.ID, &kind, &t.Name, (*timeValue)(&t.CreatedAt), (*timeValue)(&t.UpdatedAt)); err != nil {
			return err
		}
		t.Kind = domain.TermKind(kind)
		out[t.ID] = t
		return nil
	})
}

func loadSequences(ctx context.Context, db *sql.DB, dialect Dialect, out map[domain.EntityType]int64) error {
	q := dialect.Rebind(`SELECT key, value FROM meta WHERE key LIKE ?`)
	rows, err := db.QueryContext(ctx, q, metaSeqPrefix+"%")
	if err != nil {
		return fmt.Errorf("select sequences: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scan sequence: %w", err)
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("parse sequence %s: %w", key, err)
		}
		out[domain.EntityType(strings.TrimPrefix(key, metaSeqPrefix))] = n
	}
	return rows.Err()
}

// timeValue scans TIMESTAMPTZ columns and RFC 3339 text columns alike.
type timeValue time.Time

func (t *timeValue) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = timeValue(time.Time{})
		return nil
	case time.Time:
		*t = timeValue(v.UTC())
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
}

func (t *timeValue) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	*t = timeValue(parsed.UTC())
	return nil
}

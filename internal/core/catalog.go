package core

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"librarycore/pkg/domain"
)

// Catalog defaults applied when a field is left blank.
const (
	DefaultCategory = "General"
	DefaultLocation = "Sin ubicar"
	DefaultPageSize = 10
	codePrefix      = "LIB"
)

var codePattern = regexp.MustCompile(`^LIB(\d+)$`)

// Page is one slice of a paginated listing.
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

// BookFilter narrows ListBooks. Query matches title, author, ISBN and code,
// ignoring case and accents.
type BookFilter struct {
	Query    string
	Category string
	Status   domain.BookStatus
	Location string
	Page     int
	PageSize int
}

// BookInput carries administrative book fields. Nil fields are left as they
// are on update.
type BookInput struct {
	Code     *string `json:"barcode"`
	ISBN     *string `json:"isbn"`
	Title    *string `json:"title"`
	Author   *string `json:"author"`
	Category *string `json:"category"`
	Location *string `json:"location"`
	Synopsis *string `json:"synopsis"`
	CoverURL *string `json:"coverUrl"`
}

// ListBooks returns a page of books ordered by id.
func (s *Service) ListBooks(ctx context.Context, filter BookFilter) (Page[Book], error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size < 1 {
		size = DefaultPageSize
	}
	out := Page[Book]{Items: []Book{}, Page: page, PageSize: size}
	query := fold(strings.TrimSpace(filter.Query))
	err := s.read(ctx, "list_books", func(view TransactionView) error {
		var matched []Book
		for _, b := range view.ListBooks() {
			if filter.Category != "" && b.Category != filter.Category {
				continue
			}
			if filter.Status != "" && b.Status != filter.Status {
				continue
			}
			if filter.Location != "" && b.Location != filter.Location {
				continue
			}
			if !matchesAny(query, b.Title, b.Author, b.ISBN, b.Code) {
				continue
			}
			matched = append(matched, b)
		}
		out.Total = len(matched)
		start := (page - 1) * size
		if start < len(matched) {
			end := start + size
			if end > len(matched) {
				end = len(matched)
			}
			out.Items = append(out.Items, matched[start:end]...)
		}
		return nil
	})
	return out, err
}

// GetBook resolves a book by id or code.
func (s *Service) GetBook(ctx context.Context, ref string) (Book, error) {
	var book Book
	err := s.read(ctx, "get_book", func(view TransactionView) error {
		found, ok := resolveBook(view, ref)
		if !ok {
			return domain.NotFoundError{Entity: string(EntityBook), Ref: ref}
		}
		book = found
		return nil
	})
	return book, err
}

// CreateBook adds a copy to the catalog. A blank code is replaced by the next
// LIBnnn code and a blank ISBN by an AUTO- placeholder.
func (s *Service) CreateBook(ctx context.Context, input BookInput) (Book, Result, error) {
	var created Book
	res, err := s.run(ctx, opCreateBook, func(ctx context.Context) (int64, Result, error) {
		title, author := value(input.Title), value(input.Author)
		if title == "" {
			return 0, Result{}, domain.InvalidInputError{Field: "title", Reason: domain.ReasonRequired}
		}
		if author == "" {
			return 0, Result{}, domain.InvalidInputError{Field: "author", Reason: domain.ReasonRequired}
		}
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			book := Book{
				Code:     value(input.Code),
				ISBN:     value(input.ISBN),
				Title:    title,
				Author:   author,
				Category: orDefault(value(input.Category), DefaultCategory),
				Location: orDefault(value(input.Location), DefaultLocation),
				Synopsis: value(input.Synopsis),
				CoverURL: nonEmpty(input.CoverURL),
				Status:   domain.BookAvailable,
			}
			if book.Code == "" {
				book.Code = nextCode(tx.ListBooks())
			}
			if book.ISBN == "" {
				book.ISBN = s.autoISBN(tx.ListBooks())
			}
			var err error
			created, err = tx.CreateBook(book)
			return err
		})
		return created.ID, res, err
	})
	if err != nil {
		return Book{}, res, err
	}
	return created, res, nil
}

// UpdateBook applies administrative edits. Status, loan count and code are
// not writable here.
func (s *Service) UpdateBook(ctx context.Context, id int64, input BookInput) (Book, Result, error) {
	var updated Book
	res, err := s.run(ctx, opUpdateBook, func(ctx context.Context) (int64, Result, error) {
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			var err error
			updated, err = tx.UpdateBook(id, func(b *Book) error {
				if input.Code != nil && strings.TrimSpace(*input.Code) != b.Code {
					return domain.InvalidInputError{Field: "barcode", Reason: "immutable"}
				}
				if input.Title != nil {
					if value(input.Title) == "" {
						return domain.InvalidInputError{Field: "title", Reason: domain.ReasonRequired}
					}
					b.Title = value(input.Title)
				}
				if input.Author != nil {
					if value(input.Author) == "" {
						return domain.InvalidInputError{Field: "author", Reason: domain.ReasonRequired}
					}
					b.Author = value(input.Author)
				}
				if input.ISBN != nil && value(input.ISBN) != "" {
					b.ISBN = value(input.ISBN)
				}
				if input.Category != nil {
					b.Category = orDefault(value(input.Category), DefaultCategory)
				}
				if input.Location != nil {
					b.Location = orDefault(value(input.Location), DefaultLocation)
				}
				if input.Synopsis != nil {
					b.Synopsis = value(input.Synopsis)
				}
				if input.CoverURL != nil {
					b.CoverURL = nonEmpty(input.CoverURL)
				}
				return nil
			})
			return err
		})
		return id, res, err
	})
	if err != nil {
		return Book{}, res, err
	}
	return updated, res, nil
}

// DeleteBook removes a book that is not on loan.
func (s *Service) DeleteBook(ctx context.Context, id int64) (Result, error) {
	return s.run(ctx, opDeleteBook, func(ctx context.Context) (int64, Result, error) {
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			return tx.DeleteBook(id)
		})
		return id, res, err
	})
}

// PatronFilter narrows ListPatrons. Query matches name and email.
type PatronFilter struct {
	Query    string
	Kind     domain.PatronKind
	Standing domain.Standing
}

// PatronInput carries administrative patron fields. Counters are owned by the
// loan engine and cannot be set here.
type PatronInput struct {
	Name     *string `json:"name"`
	Email    *string `json:"email"`
	Kind     *string `json:"type"`
	Phone    *string `json:"phone"`
	Standing *string `json:"status"`
}

// ListPatrons returns patrons ordered by id.
func (s *Service) ListPatrons(ctx context.Context, filter PatronFilter) ([]Patron, error) {
	out := []Patron{}
	query := fold(strings.TrimSpace(filter.Query))
	err := s.read(ctx, "list_patrons", func(view TransactionView) error {
		for _, p := range view.ListPatrons() {
			if filter.Kind != "" && p.Kind != filter.Kind {
				continue
			}
			if filter.Standing != "" && p.Standing != filter.Standing {
				continue
			}
			if !matchesAny(query, p.Name, p.Email) {
				continue
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// GetPatron resolves a patron by id or email.
func (s *Service) GetPatron(ctx context.Context, ref string) (Patron, error) {
	var patron Patron
	err := s.read(ctx, "get_patron", func(view TransactionView) error {
		found, ok := resolvePatron(view, ref)
		if !ok {
			return domain.NotFoundError{Entity: string(EntityPatron), Ref: ref}
		}
		patron = found
		return nil
	})
	return patron, err
}

// CreatePatron registers a borrower. Name and email are required.
func (s *Service) CreatePatron(ctx context.Context, input PatronInput) (Patron, Result, error) {
	var created Patron
	res, err := s.run(ctx, opCreatePatron, func(ctx context.Context) (int64, Result, error) {
		patron := Patron{
			Name:     value(input.Name),
			Email:    value(input.Email),
			Phone:    value(input.Phone),
			Kind:     domain.PatronStudent,
			Standing: domain.StandingActive,
		}
		if patron.Name == "" {
			return 0, Result{}, domain.InvalidInputError{Field: "name", Reason: domain.ReasonRequired}
		}
		if patron.Email == "" {
			return 0, Result{}, domain.InvalidInputError{Field: "email", Reason: domain.ReasonRequired}
		}
		if err := applyPatronEnums(&patron, input); err != nil {
			return 0, Result{}, err
		}
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			var err error
			created, err = tx.CreatePatron(patron)
			return err
		})
		return created.ID, res, err
	})
	if err != nil {
		return Patron{}, res, err
	}
	return created, res, nil
}

// UpdatePatron applies administrative edits, including standing changes.
func (s *Service) UpdatePatron(ctx context.Context, id int64, input PatronInput) (Patron, Result, error) {
	var updated Patron
	res, err := s.run(ctx, opUpdatePatron, func(ctx context.Context) (int64, Result, error) {
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			var err error
			updated, err = tx.UpdatePatron(id, func(p *Patron) error {
				if input.Name != nil {
					if value(input.Name) == "" {
						return domain.InvalidInputError{Field: "name", Reason: domain.ReasonRequired}
					}
					p.Name = value(input.Name)
				}
				if input.Email != nil {
					p.Email = value(input.Email)
				}
				if input.Phone != nil {
					p.Phone = value(input.Phone)
				}
				return applyPatronEnums(p, input)
			})
			return err
		})
		return id, res, err
	})
	if err != nil {
		return Patron{}, res, err
	}
	return updated, res, nil
}

// DeletePatron removes a patron with no active loans.
func (s *Service) DeletePatron(ctx context.Context, id int64) (Result, error) {
	return s.run(ctx, opDeletePatron, func(ctx context.Context) (int64, Result, error) {
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			patron, ok := tx.FindPatron(id)
			if !ok {
				return domain.NotFoundError{Entity: string(EntityPatron), Ref: strconv.FormatInt(id, 10)}
			}
			if patron.ActiveLoanCount > 0 {
				return domain.ConflictError{Reason: domain.ReasonOpenLoans, Detail: fmt.Sprintf("patron %s holds %d loans", patron.Email, patron.ActiveLoanCount)}
			}
			return tx.DeletePatron(id)
		})
		return id, res, err
	})
}

func applyPatronEnums(p *Patron, input PatronInput) error {
	if input.Kind != nil {
		switch kind := domain.PatronKind(value(input.Kind)); kind {
		case domain.PatronStudent, domain.PatronStaff:
			p.Kind = kind
		default:
			return domain.InvalidInputError{Field: "type", Reason: domain.ReasonMalformed}
		}
	}
	if input.Standing != nil {
		switch standing := domain.Standing(value(input.Standing)); standing {
		case domain.StandingActive, domain.StandingSanctioned:
			p.Standing = standing
		default:
			return domain.InvalidInputError{Field: "status", Reason: domain.ReasonMalformed}
		}
	}
	return nil
}

// ListTermNames returns the names of one kind of catalog term in collation order.
func (s *Service) ListTermNames(ctx context.Context, kind domain.TermKind) ([]string, error) {
	names := []string{}
	err := s.read(ctx, "list_terms", func(view TransactionView) error {
		for _, t := range view.ListTerms(kind) {
			names = append(names, t.Name)
		}
		return nil
	})
	sortNames(names)
	return names, err
}

// CreateTerm adds a catalog term. Names are unique per kind.
func (s *Service) CreateTerm(ctx context.Context, kind domain.TermKind, name string) (Term, Result, error) {
	var created Term
	res, err := s.run(ctx, opCreateTerm, func(ctx context.Context) (int64, Result, error) {
		switch kind {
		case domain.TermCategory, domain.TermAuthor, domain.TermLocation:
		default:
			return 0, Result{}, domain.InvalidInputError{Field: "kind", Reason: domain.ReasonMalformed}
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return 0, Result{}, domain.InvalidInputError{Field: "name", Reason: domain.ReasonRequired}
		}
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			var err error
			created, err = tx.CreateTerm(Term{Kind: kind, Name: name})
			return err
		})
		return created.ID, res, err
	})
	if err != nil {
		return Term{}, res, err
	}
	return created, res, nil
}

// nextCode returns one past the highest LIBnnn code in use.
func nextCode(books []Book) string {
	highest := 0
	for _, b := range books {
		m := codePattern.FindStringSubmatch(b.Code)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("%s%03d", codePrefix, highest+1)
}

// autoISBN builds an AUTO-<unix ms> placeholder that no existing book uses.
func (s *Service) autoISBN(books []Book) string {
	taken := make(map[string]struct{}, len(books))
	for _, b := range books {
		taken[b.ISBN] = struct{}{}
	}
	base := fmt.Sprintf("AUTO-%d", s.clock.Now().UnixMilli())
	candidate := base
	for n := 2; ; n++ {
		if _, ok := taken[candidate]; !ok {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d", base, n)
	}
}

func value(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func nonEmpty(p *string) *string {
	v := value(p)
	if v == "" {
		return nil
	}
	return &v
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

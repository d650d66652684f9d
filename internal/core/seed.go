package core

import (
	"context"

	"librarycore/pkg/domain"
)

// SeedData is the demo catalog loaded into an empty store.
type SeedData struct {
	Categories []string
	Authors    []string
	Locations  []string
	Books      []Book
	Patrons    []Patron
	// Loans are checked out through the engine, so counters stay consistent.
	Loans []SeedLoan
}

// SeedLoan describes a checkout performed while seeding. DueInDays is
// relative to the seeding day.
type SeedLoan struct {
	BookCode    string
	PatronEmail string
	DueInDays   int
}

// DemoSeed returns the demo catalog the branch ships with.
func DemoSeed() SeedData {
	return SeedData{
		Categories: []string{"Literatura", "Historia", "Ciencia Ficcion", "Infantil", "Clasicos"},
		Authors:    []string{"Gabriel Garcia Marquez", "Yuval Noah Harari", "Miguel de Cervantes", "George Orwell"},
		Locations:  []string{"Estante A-1", "Estante A-2", "Estante B-1", "Estante C-1", "Estante D-1"},
		Books: []Book{
			{
				Code: "LIB001", ISBN: "978-0307474728", Title: "Cien anos de soledad",
				Author: "Gabriel Garcia Marquez", Category: "Literatura", Location: "Estante A-1",
				Synopsis: "Historia de la familia Buendia en Macondo.", LoanCount: 45,
			},
			{
				Code: "LIB003", ISBN: "978-8424116552", Title: "Don Quijote de la Mancha",
				Author: "Miguel de Cervantes", Category: "Clasicos", Location: "Estante B-1",
				Synopsis: "Las andanzas del ingenioso hidalgo y su escudero.", LoanCount: 30,
			},
			{
				Code: "LIB004", ISBN: "978-0451524935", Title: "1984",
				Author: "George Orwell", Category: "Ciencia Ficcion", Location: "Estante C-1",
				Synopsis: "Una distopia sobre la vigilancia total.", LoanCount: 38,
			},
			{
				Code: "LIB005", ISBN: "978-0062316097", Title: "Sapiens: De animales a dioses",
				Author: "Yuval Noah Harari", Category: "Historia", Location: "Estante D-1",
				Synopsis: "Breve historia de la humanidad.", LoanCount: 40,
			},
		},
		Patrons: []Patron{
			{Name: "Ana Garcia", Email: "ana.garcia@example.com", Kind: domain.PatronStudent, Phone: "+34 600 123 456"},
			{Name: "Carlos Rodriguez", Email: "carlos.rodriguez@example.com", Kind: domain.PatronStudent, Phone: "+34 600 234 567"},
		},
		Loans: []SeedLoan{
			{BookCode: "LIB005", PatronEmail: "ana.garcia@example.com", DueInDays: 19},
		},
	}
}

// Seed loads data into an empty catalog in one transaction. It reports false
// without changing anything when books already exist.
func (s *Service) Seed(ctx context.Context, data SeedData) (bool, Result, error) {
	seeded := false
	res, err := s.run(ctx, opSeed, func(ctx context.Context) (int64, Result, error) {
		today := s.Today()
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			if len(tx.ListBooks()) > 0 {
				return nil
			}
			terms := []struct {
				kind  domain.TermKind
				names []string
			}{
				{domain.TermCategory, data.Categories},
				{domain.TermAuthor, data.Authors},
				{domain.TermLocation, data.Locations},
			}
			for _, group := range terms {
				for _, name := range group.names {
					if _, err := tx.CreateTerm(Term{Kind: group.kind, Name: name}); err != nil {
						return err
					}
				}
			}
			for _, b := range data.Books {
				b.Status = domain.BookAvailable
				if _, err := tx.CreateBook(b); err != nil {
					return err
				}
			}
			for _, p := range data.Patrons {
				p.ActiveLoanCount = 0
				if _, err := tx.CreatePatron(p); err != nil {
					return err
				}
			}
			for _, l := range data.Loans {
				due := today.AddDays(l.DueInDays).String()
				if _, err := s.checkoutTx(tx, l.BookCode, l.PatronEmail, due, today); err != nil {
					return err
				}
			}
			seeded = true
			return nil
		})
		return 0, res, err
	})
	if err != nil {
		return false, res, err
	}
	if seeded {
		s.logger.Info("catalog seeded", "books", len(data.Books), "patrons", len(data.Patrons), "loans", len(data.Loans))
	}
	return seeded, res, nil
}

// Restore replaces the store contents with snapshot.
func (s *Service) Restore(ctx context.Context, snapshot Snapshot) error {
	_, err := s.run(ctx, opRestore, func(ctx context.Context) (int64, Result, error) {
		return 0, Result{}, s.store.ImportState(ctx, snapshot)
	})
	return err
}

// Export returns a point-in-time copy of the store contents.
func (s *Service) Export() Snapshot {
	return s.store.ExportState()
}

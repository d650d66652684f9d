package core

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"

	"librarycore/pkg/domain"
)

const (
	topBooksLimit     = 5
	uncategorizedName = "Otros"
)

// TopBook is one entry of the most-borrowed ranking.
type TopBook struct {
	Title     string `json:"title"`
	LoanCount int    `json:"loanCount"`
}

// Summary is the dashboard headline report.
type Summary struct {
	TotalBooks     int       `json:"totalBooks"`
	AvailableBooks int       `json:"availableBooks"`
	ActiveLoans    int       `json:"activeLoans"`
	DueTodayCount  int       `json:"dueTodayCount"`
	OverdueCount   int       `json:"overdueCount"`
	TopBooks       []TopBook `json:"topBooks"`
}

// NamedCount is a labelled counter used by chart-oriented reports.
type NamedCount struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// Inventory reports catalog composition.
type Inventory struct {
	ByStatus        []NamedCount `json:"byStatus"`
	CategoriesCount int          `json:"categoriesCount"`
	LocationsCount  int          `json:"locationsCount"`
}

// MonthCount counts loans started in a YYYY-MM month.
type MonthCount struct {
	Month string `json:"month"`
	Loans int    `json:"prestamos"`
}

// CategoryCount counts loans per book category.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// LoanTotals aggregates a loan report window.
type LoanTotals struct {
	Count      int             `json:"count"`
	ReturnRate decimal.Decimal `json:"returnRate"`
}

// MarshalJSON renders the return rate as a JSON number.
func (t LoanTotals) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Count      int         `json:"count"`
		ReturnRate json.Number `json:"returnRate"`
	}{Count: t.Count, ReturnRate: json.Number(t.ReturnRate.String())})
}

// LoanReport groups loans by month and category.
type LoanReport struct {
	LoansByMonth    []MonthCount    `json:"loansByMonth"`
	LoansByCategory []CategoryCount `json:"loansByCategory"`
	Totals          LoanTotals      `json:"totals"`
}

// Summary computes headline counts as of today.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	today := s.Today()
	out := Summary{TopBooks: []TopBook{}}
	err := s.read(ctx, "report_summary", func(view TransactionView) error {
		books := view.ListBooks()
		out.TotalBooks = len(books)
		for _, b := range books {
			if b.Status == domain.BookAvailable {
				out.AvailableBooks++
			}
		}
		for _, l := range view.ListLoans() {
			if !l.IsOpen() {
				continue
			}
			out.ActiveLoans++
			if l.DueDate.Equal(today) {
				out.DueTodayCount++
			}
			if l.DisplayStatus(today) == domain.LoanOverdue {
				out.OverdueCount++
			}
		}
		sort.SliceStable(books, func(i, j int) bool { return books[i].LoanCount > books[j].LoanCount })
		for i := 0; i < len(books) && i < topBooksLimit; i++ {
			out.TopBooks = append(out.TopBooks, TopBook{Title: books[i].Title, LoanCount: books[i].LoanCount})
		}
		return nil
	})
	return out, err
}

// Inventory reports books by status and the number of catalog terms.
func (s *Service) Inventory(ctx context.Context) (Inventory, error) {
	var out Inventory
	err := s.read(ctx, "report_inventory", func(view TransactionView) error {
		available, loaned := 0, 0
		for _, b := range view.ListBooks() {
			switch b.Status {
			case domain.BookAvailable:
				available++
			case domain.BookLoaned:
				loaned++
			}
		}
		out.ByStatus = []NamedCount{
			{Name: "Disponible", Value: available},
			{Name: "Prestado", Value: loaned},
		}
		out.CategoriesCount = len(view.ListTerms(domain.TermCategory))
		out.LocationsCount = len(view.ListTerms(domain.TermLocation))
		return nil
	})
	return out, err
}

// LoanReport groups loans whose loan date falls in [from, to]. Zero bounds
// are open.
func (s *Service) LoanReport(ctx context.Context, from, to Date) (LoanReport, error) {
	out := LoanReport{LoansByMonth: []MonthCount{}, LoansByCategory: []CategoryCount{}}
	err := s.read(ctx, "report_loans", func(view TransactionView) error {
		byMonth := make(map[string]int)
		byCategory := make(map[string]int)
		closed := 0
		for _, l := range view.ListLoans() {
			if !from.IsZero() && l.LoanDate.Before(from) {
				continue
			}
			if !to.IsZero() && l.LoanDate.After(to) {
				continue
			}
			out.Totals.Count++
			if !l.IsOpen() {
				closed++
			}
			byMonth[l.LoanDate.Month()]++
			category := uncategorizedName
			if b, ok := view.FindBook(l.BookID); ok && b.Category != "" {
				category = b.Category
			}
			byCategory[category]++
		}
		for month, n := range byMonth {
			out.LoansByMonth = append(out.LoansByMonth, MonthCount{Month: month, Loans: n})
		}
		sort.Slice(out.LoansByMonth, func(i, j int) bool { return out.LoansByMonth[i].Month < out.LoansByMonth[j].Month })
		for category, n := range byCategory {
			out.LoansByCategory = append(out.LoansByCategory, CategoryCount{Category: category, Count: n})
		}
		sort.Slice(out.LoansByCategory, func(i, j int) bool {
			if out.LoansByCategory[i].Count != out.LoansByCategory[j].Count {
				return out.LoansByCategory[i].Count > out.LoansByCategory[j].Count
			}
			return out.LoansByCategory[i].Category < out.LoansByCategory[j].Category
		})
		out.Totals.ReturnRate = decimal.Zero
		if out.Totals.Count > 0 {
			out.Totals.ReturnRate = decimal.NewFromInt(int64(closed)).DivRound(decimal.NewFromInt(int64(out.Totals.Count)), 2)
		}
		return nil
	})
	return out, err
}

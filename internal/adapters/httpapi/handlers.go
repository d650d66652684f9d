package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"librarycore/internal/core"
	"librarycore/internal/staff"
	"librarycore/pkg/domain"
)

const maxBodyBytes = 1 << 20

// listEnvelope wraps unpaginated listings.
type listEnvelope[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// ref accepts a JSON string or number, since clients send either a numeric
// id or a code/email in the same field.
type ref string

func (r *ref) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = ref(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("must be a string or a number")
	}
	*r = ref(n.String())
	return nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var (
			detail string
			maxErr *http.MaxBytesError
		)
		switch {
		case errors.As(err, &maxErr):
			writeStatus(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		case errors.Is(err, io.EOF):
			detail = "request body is empty"
		default:
			detail = fmt.Sprintf("invalid JSON payload: %v", err)
		}
		writeStatus(w, r, http.StatusBadRequest, detail)
		return false
	}
	return true
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.InvalidInputError{Field: "id", Reason: domain.ReasonMalformed}
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.InvalidInputError{Field: name, Reason: domain.ReasonMalformed}
	}
	return n, nil
}

func queryID(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, domain.InvalidInputError{Field: name, Reason: domain.ReasonMalformed}
	}
	return n, nil
}

func queryDate(r *http.Request, name string) (core.Date, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return core.Date{}, nil
	}
	d, err := domain.ParseDate(raw)
	if err != nil {
		return core.Date{}, domain.InvalidInputError{Field: name, Reason: domain.ReasonMalformed}
	}
	return d, nil
}

// searchQuery reads q, falling back to the older search parameter.
func searchQuery(r *http.Request) string {
	q := r.URL.Query()
	if v := q.Get("q"); v != "" {
		return v
	}
	return q.Get("search")
}

func (h *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "librarycore API"})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginUser struct {
	Name  string `json:"name"`
	Role  string `json:"role"`
	Email string `json:"email"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      loginUser `json:"user"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if h.staff == nil || h.tokens == nil {
		writeStatus(w, r, http.StatusNotFound, "staff login is not configured")
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	account, err := h.staff.Authenticate(req.Email, req.Password)
	if errors.Is(err, staff.ErrInvalidCredentials) {
		h.logger.Warn("login rejected", "request_id", RequestIDFrom(r.Context()))
		writeStatus(w, r, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	token, expires, err := h.tokens.Issue(account)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expires.UTC(),
		User:      loginUser{Name: account.Name, Role: account.Role, Email: account.Email},
	})
}

func (h *Handler) handleListBooks(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	size, err := queryInt(r, "pageSize")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	q := r.URL.Query()
	out, err := h.service.ListBooks(r.Context(), core.BookFilter{
		Query:    searchQuery(r),
		Category: q.Get("category"),
		Status:   domain.BookStatus(q.Get("status")),
		Location: q.Get("location"),
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.service.GetBook(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *Handler) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	var in core.BookInput
	if !decodeJSON(w, r, &in) {
		return
	}
	book, _, err := h.service.CreateBook(r.Context(), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (h *Handler) handleUpdateBook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var in core.BookInput
	if !decodeJSON(w, r, &in) {
		return
	}
	book, _, err := h.service.UpdateBook(r.Context(), id, in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *Handler) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if _, err := h.service.DeleteBook(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListPatrons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	patrons, err := h.service.ListPatrons(r.Context(), core.PatronFilter{
		Query:    searchQuery(r),
		Kind:     domain.PatronKind(q.Get("type")),
		Standing: domain.Standing(q.Get("status")),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope[core.Patron]{Items: patrons, Total: len(patrons)})
}

func (h *Handler) handleGetPatron(w http.ResponseWriter, r *http.Request) {
	patron, err := h.service.GetPatron(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, patron)
}

func (h *Handler) handleCreatePatron(w http.ResponseWriter, r *http.Request) {
	var in core.PatronInput
	if !decodeJSON(w, r, &in) {
		return
	}
	patron, _, err := h.service.CreatePatron(r.Context(), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, patron)
}

func (h *Handler) handleUpdatePatron(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var in core.PatronInput
	if !decodeJSON(w, r, &in) {
		return
	}
	patron, _, err := h.service.UpdatePatron(r.Context(), id, in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, patron)
}

func (h *Handler) handleDeletePatron(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if _, err := h.service.DeletePatron(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListLoans(w http.ResponseWriter, r *http.Request) {
	patronID, err := queryID(r, "userId")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	bookID, err := queryID(r, "bookId")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	loans, err := h.service.ListLoans(r.Context(), core.LoanFilter{
		PatronID: patronID,
		BookID:   bookID,
		Status:   domain.LoanStatus(r.URL.Query().Get("status")),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope[core.Loan]{Items: loans, Total: len(loans)})
}

func (h *Handler) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	loan, err := h.service.GetLoan(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

type checkoutRequest struct {
	BookID  ref    `json:"bookId"`
	UserID  ref    `json:"userId"`
	DueDate string `json:"dueDate"`
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch {
	case req.BookID == "":
		writeError(w, r, h.logger, domain.InvalidInputError{Field: "bookId", Reason: domain.ReasonRequired})
		return
	case req.UserID == "":
		writeError(w, r, h.logger, domain.InvalidInputError{Field: "userId", Reason: domain.ReasonRequired})
		return
	}
	loan, _, err := h.service.Checkout(r.Context(), string(req.BookID), string(req.UserID), req.DueDate)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

type returnRequest struct {
	BookID ref `json:"bookId"`
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req returnRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.BookID == "" {
		writeError(w, r, h.logger, domain.InvalidInputError{Field: "bookId", Reason: domain.ReasonRequired})
		return
	}
	receipt, _, err := h.service.Return(r.Context(), string(req.BookID))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// termKinds maps catalog path segments to term kinds.
var termKinds = map[string]domain.TermKind{
	"categories": domain.TermCategory,
	"authors":    domain.TermAuthor,
	"locations":  domain.TermLocation,
}

func (h *Handler) termKind(w http.ResponseWriter, r *http.Request) (domain.TermKind, bool) {
	kind, ok := termKinds[r.PathValue("kind")]
	if !ok {
		writeStatus(w, r, http.StatusNotFound, "unknown catalog")
	}
	return kind, ok
}

func (h *Handler) handleListTerms(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.termKind(w, r)
	if !ok {
		return
	}
	names, err := h.service.ListTermNames(r.Context(), kind)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

type termRequest struct {
	Name string `json:"name"`
}

type termResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (h *Handler) handleCreateTerm(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.termKind(w, r)
	if !ok {
		return
	}
	var req termRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	term, _, err := h.service.CreateTerm(r.Context(), kind, req.Name)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, termResponse{ID: term.ID, Name: term.Name})
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.Summary(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleInventory(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.Inventory(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleLoanReport(w http.ResponseWriter, r *http.Request) {
	from, err := queryDate(r, "from")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	to, err := queryDate(r, "to")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out, err := h.service.LoanReport(r.Context(), from, to)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleBackup(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		writeStatus(w, r, http.StatusNotFound, "backups are not configured")
		return
	}
	info, err := h.backups.Save(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handler) handleListBackups(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		writeStatus(w, r, http.StatusNotFound, "backups are not configured")
		return
	}
	infos, err := h.backups.List(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

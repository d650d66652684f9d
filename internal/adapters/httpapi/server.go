// Package httpapi exposes the loan engine and catalog administration over a
// JSON REST API.
package httpapi

import (
	"log/slog"
	"net/http"

	"librarycore/internal/backup"
	"librarycore/internal/core"
	"librarycore/internal/staff"
)

// Handler serves the library REST API.
type Handler struct {
	service     *core.Service
	backups     *backup.Manager
	staff       *staff.Directory
	tokens      *TokenIssuer
	logger      *slog.Logger
	metrics     http.Handler
	idempotency IdempotencyStore
	limiter     *RateLimiter
	requireAuth bool

	mux  *http.ServeMux
	root http.Handler
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the request and error logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithBackups enables the /admin/backup endpoints.
func WithBackups(m *backup.Manager) Option {
	return func(h *Handler) { h.backups = m }
}

// WithStaff enables /auth/login against dir using tokens.
func WithStaff(dir *staff.Directory, tokens *TokenIssuer) Option {
	return func(h *Handler) {
		h.staff = dir
		h.tokens = tokens
	}
}

// WithRequireAuth rejects non-public requests without a bearer token.
func WithRequireAuth(required bool) Option {
	return func(h *Handler) { h.requireAuth = required }
}

// WithMetricsHandler mounts handler at GET /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(h *Handler) { h.metrics = handler }
}

// WithIdempotencyStore enables Idempotency-Key replay for POST requests.
func WithIdempotencyStore(store IdempotencyStore) Option {
	return func(h *Handler) { h.idempotency = store }
}

// WithRateLimiter applies per-client rate limiting.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(h *Handler) { h.limiter = rl }
}

// NewHandler constructs the API handler for service.
func NewHandler(service *core.Service, opts ...Option) *Handler {
	h := &Handler{
		service: service,
		logger:  slog.New(slog.DiscardHandler),
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.routes()

	mws := []Middleware{RequestID, Recover(h.logger), AccessLog(h.logger)}
	if h.limiter != nil {
		mws = append(mws, h.limiter.Middleware)
	}
	if h.requireAuth {
		mws = append(mws, RequireStaff(h.tokens))
	}
	if h.idempotency != nil {
		mws = append(mws, Idempotency(h.idempotency, h.logger))
	}
	h.root = chain(h.mux, mws...)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	m := h.mux
	m.HandleFunc("GET /{$}", h.handleRoot)
	m.HandleFunc("POST /auth/login", h.handleLogin)

	m.HandleFunc("GET /books", h.handleListBooks)
	m.HandleFunc("POST /books", h.handleCreateBook)
	m.HandleFunc("GET /books/{id}", h.handleGetBook)
	m.HandleFunc("PUT /books/{id}", h.handleUpdateBook)
	m.HandleFunc("DELETE /books/{id}", h.handleDeleteBook)

	m.HandleFunc("GET /users", h.handleListPatrons)
	m.HandleFunc("POST /users", h.handleCreatePatron)
	m.HandleFunc("GET /users/{id}", h.handleGetPatron)
	m.HandleFunc("PUT /users/{id}", h.handleUpdatePatron)
	m.HandleFunc("DELETE /users/{id}", h.handleDeletePatron)

	m.HandleFunc("GET /loans", h.handleListLoans)
	m.HandleFunc("POST /loans", h.handleCheckout)
	m.HandleFunc("GET /loans/{id}", h.handleGetLoan)
	m.HandleFunc("POST /returns", h.handleReturn)

	m.HandleFunc("GET /catalogs/{kind}", h.handleListTerms)
	m.HandleFunc("POST /catalogs/{kind}", h.handleCreateTerm)

	m.HandleFunc("GET /reports/summary", h.handleSummary)
	m.HandleFunc("GET /reports/inventory", h.handleInventory)
	m.HandleFunc("GET /reports/loans", h.handleLoanReport)

	m.HandleFunc("POST /admin/backup", h.handleBackup)
	m.HandleFunc("GET /admin/backups", h.handleListBackups)

	if h.metrics != nil {
		m.Handle("GET /metrics", h.metrics)
	}
	m.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, r, http.StatusNotFound, "route not found")
	})
}

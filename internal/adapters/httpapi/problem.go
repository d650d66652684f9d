package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"librarycore/pkg/domain"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs). Every
// error response from the API uses it.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Kind and Reason expose the engine's error classification.
	Kind      string `json:"kind,omitempty"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeProblem(w http.ResponseWriter, r *http.Request, p ProblemDetail) {
	if p.Type == "" {
		p.Type = fmt.Sprintf("https://librarycore.dev/errors/%d", p.Status)
	}
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	if r != nil {
		p.Instance = r.URL.Path
		p.RequestID = RequestIDFrom(r.Context())
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func writeStatus(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblem(w, r, ProblemDetail{Status: status, Detail: detail})
}

// writeError renders an engine error. Internal failures are logged and never
// exposed to the client.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := domain.KindOf(err)
	p := ProblemDetail{Kind: string(kind), Detail: err.Error()}
	var (
		notFound domain.NotFoundError
		conflict domain.ConflictError
		invalid  domain.InvalidInputError
	)
	switch {
	case errors.As(err, &notFound):
		p.Status = http.StatusNotFound
		p.Reason = notFound.Entity
	case errors.As(err, &conflict):
		p.Status = http.StatusConflict
		p.Reason = conflict.Reason
	case errors.As(err, &invalid):
		p.Status = http.StatusBadRequest
		p.Reason = invalid.Reason
	default:
		p.Status = http.StatusInternalServerError
		p.Detail = "An unexpected error occurred. Please try again later."
		logger.Error("internal server error", "error", err, "kind", string(kind), "path", r.URL.Path, "request_id", RequestIDFrom(r.Context()))
	}
	writeProblem(w, r, p)
}

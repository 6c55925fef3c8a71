// Package api exposes the governance and credential services over HTTP.
// All error responses are RFC 7807 problem details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/chunkstar/agentanchor-app/pkg/errorir"
)

const problemTypeBase = "https://agentanchorai.com/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`

	// Code is the errorir code, e.g. ANCHOR/CORE/RESOURCE/CONFLICT.
	Code           string `json:"code,omitempty"`
	Classification string `json:"classification,omitempty"`
	// Reason narrows Code: the ineligibility reason or conflict code.
	Reason   string `json:"reason,omitempty"`
	Field    string `json:"field,omitempty"`
	Required *int   `json:"required,omitempty"`
	Current  *int   `json:"current,omitempty"`
	// Prior is the state a conflicting request lost to.
	Prior any `json:"prior,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	if problem.Type == "" {
		problem.Type = fmt.Sprintf("%s%d", problemTypeBase, problem.Status)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// StatusOf maps an errorir error to its HTTP status.
func StatusOf(err error) int {
	var (
		v  *errorir.ValidationError
		ie *errorir.IneligibleError
		nf *errorir.NotFoundError
		c  *errorir.ConflictError
		in *errorir.InfrastructureError
	)
	switch {
	case errors.As(err, &v):
		return http.StatusBadRequest
	case errors.As(err, &ie):
		return http.StatusForbidden
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &c):
		return http.StatusConflict
	case errors.As(err, &in):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteServiceError renders a service error. Infrastructure causes are
// logged, never echoed.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		WriteInternal(w, err)
		return
	}

	problem := &ProblemDetail{
		Title:          http.StatusText(status),
		Status:         status,
		Detail:         err.Error(),
		Instance:       r.URL.Path,
		TraceID:        w.Header().Get("X-Request-ID"),
		Code:           errorir.CodeOf(err),
		Classification: errorir.ClassificationOf(err),
	}

	var (
		v  *errorir.ValidationError
		ie *errorir.IneligibleError
		c  *errorir.ConflictError
	)
	switch {
	case errors.As(err, &v):
		problem.Field = v.Field
	case errors.As(err, &ie):
		problem.Reason = ie.Reason
		if ie.Reason == errorir.IneligibleScore {
			problem.Required, problem.Current = &ie.Required, &ie.Current
		}
	case errors.As(err, &c):
		problem.Reason = c.Code
		problem.Prior = c.Prior
	case status == http.StatusServiceUnavailable:
		slog.ErrorContext(r.Context(), "dependency failure", "path", r.URL.Path, "error", err)
		problem.Detail = "A dependency is unavailable. Retry later."
		w.Header().Set("Retry-After", "1")
	}
	writeProblem(w, problem)
}

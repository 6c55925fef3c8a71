package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chunkstar/agentanchor-app/pkg/api"
	"github.com/chunkstar/agentanchor-app/pkg/errorir"
)

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected Content-Type 'application/problem+json', got %q", ct)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Status != 400 {
		t.Errorf("expected problem.status=400, got %d", problem.Status)
	}
	if problem.Type != "https://agentanchorai.com/errors/400" {
		t.Errorf("unexpected type %q", problem.Type)
	}
	if problem.Detail != "field is missing" {
		t.Errorf("expected detail 'field is missing', got %q", problem.Detail)
	}
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Detail == "pq: connection refused to host=10.0.0.1" {
		t.Error("internal error details leaked to client")
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)

	if ra := w.Header().Get("Retry-After"); ra != "30" {
		t.Errorf("expected Retry-After '30', got %q", ra)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
}

func TestWriteErrorR_EnrichesWithRequestContext(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/resource", nil)
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-123")

	api.WriteErrorR(w, req, http.StatusBadRequest, "Bad Request", "bad input")

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Instance != "/api/v1/resource" {
		t.Fatalf("expected instance %q, got %q", "/api/v1/resource", problem.Instance)
	}
	if problem.TraceID != "req-123" {
		t.Fatalf("expected trace_id %q, got %q", "req-123", problem.TraceID)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{errorir.Validation("agentId", "is required"), http.StatusBadRequest},
		{&errorir.IneligibleError{Reason: errorir.IneligibleScore, Required: 250, Current: 100}, http.StatusForbidden},
		{errorir.NotFound("escalation", "e-1"), http.StatusNotFound},
		{&errorir.ConflictError{Kind: "credential", ID: "ptc_1", Code: errorir.ConflictAlreadyRevoked}, http.StatusConflict},
		{errorir.Infrastructure("store.save", errors.New("timeout")), http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", errorir.NotFound("agent", "a")), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := api.StatusOf(tt.err); got != tt.status {
			t.Errorf("StatusOf(%v) = %d, want %d", tt.err, got, tt.status)
		}
	}
}

func TestWriteServiceError_Ineligible(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/credentials", nil)
	w := httptest.NewRecorder()
	api.WriteServiceError(w, req, &errorir.IneligibleError{Reason: errorir.IneligibleScore, Required: 250, Current: 180})

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Code != errorir.CodeIneligible || problem.Reason != errorir.IneligibleScore {
		t.Errorf("unexpected code/reason %q/%q", problem.Code, problem.Reason)
	}
	if problem.Required == nil || *problem.Required != 250 || problem.Current == nil || *problem.Current != 180 {
		t.Errorf("expected required=250 current=180, got %v %v", problem.Required, problem.Current)
	}
}

func TestWriteServiceError_InfrastructureHidesCause(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/credentials/revoke", nil)
	w := httptest.NewRecorder()
	api.WriteServiceError(w, req, errorir.Infrastructure("revocations.save", errors.New("dial tcp 10.0.0.3:5432")))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on 503")
	}
	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Classification != errorir.ClassificationRetryable {
		t.Errorf("expected RETRYABLE, got %q", problem.Classification)
	}
	if problem.Detail == "" || problem.Detail == "infrastructure: revocations.save: dial tcp 10.0.0.3:5432" {
		t.Errorf("cause leaked: %q", problem.Detail)
	}
}

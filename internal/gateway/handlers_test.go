package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/communityforge/inference-gateway/internal/auth"
)

func newTestServer(t *testing.T) (*Server, *harness, *auth.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := newHarness(t)
	service, errAuth := auth.NewService("gateway-test", time.Hour, 2*time.Hour)
	if errAuth != nil {
		t.Fatalf("auth service: %v", errAuth)
	}
	return NewServer(service, h.orch), h, service
}

func issueToken(t *testing.T, service *auth.Service, scope string) string {
	t.Helper()
	token, errIssue := service.Issue("user-1", scope, "guild-1", "pro", "chan-1")
	if errIssue != nil {
		t.Fatalf("issue token: %v", errIssue)
	}
	return token
}

func postJSON(router http.Handler, path, token string, body any) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestInferenceRequiresToken(t *testing.T) {
	server, _, _ := newTestServer(t)
	router := server.Router()

	w := postJSON(router, "/v1/inference", "", InferenceRequest{Model: "standard", Prompt: "hi", IdempotencyKey: "k"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}

	w = postJSON(router, "/v1/inference", "garbage.token.here", InferenceRequest{Model: "standard", Prompt: "hi", IdempotencyKey: "k"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestInferenceRejectsWrongScope(t *testing.T) {
	server, _, service := newTestServer(t)
	router := server.Router()

	token := issueToken(t, service, ScopeReport)
	w := postJSON(router, "/v1/inference", token, InferenceRequest{Model: "standard", Prompt: "hi", IdempotencyKey: "k"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestInferenceEndToEnd(t *testing.T) {
	server, h, service := newTestServer(t)
	h.seedCommunity(t, "pro", 100000)
	router := server.Router()

	token := issueToken(t, service, ScopeInference)
	w := postJSON(router, "/v1/inference", token, InferenceRequest{
		Model: "standard", Prompt: "hello", MaxTokens: 128, IdempotencyKey: "req-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	var outcome Outcome
	if err := json.Unmarshal(w.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if outcome.Content != "ok" || outcome.ActualCents <= 0 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestInferenceBudgetRejectionStatus(t *testing.T) {
	server, h, service := newTestServer(t)
	h.seedCommunity(t, "pro", 1)
	router := server.Router()

	token := issueToken(t, service, ScopeInference)
	w := postJSON(router, "/v1/inference", token, InferenceRequest{
		Model: "standard", Prompt: "a prompt long enough to estimate above a cent",
		MaxTokens: 4096, IdempotencyKey: "req-1",
	})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	var rejection Rejection
	if err := json.Unmarshal(w.Body.Bytes(), &rejection); err != nil {
		t.Fatalf("decode rejection: %v", err)
	}
	if rejection.Kind != RejectBudgetExceeded {
		t.Fatalf("kind = %s", rejection.Kind)
	}
}

func TestInferenceRateLimitSetsRetryAfter(t *testing.T) {
	server, h, service := newTestServer(t)
	h.seedCommunity(t, "free", 100000)
	router := server.Router()

	token := issueToken(t, service, ScopeInference)
	for i := 0; i < 3; i++ {
		w := postJSON(router, "/v1/inference", token, InferenceRequest{
			Model: "standard", Prompt: "hi", IdempotencyKey: "req-" + string(rune('a'+i)),
		})
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}

	w := postJSON(router, "/v1/inference", token, InferenceRequest{
		Model: "standard", Prompt: "hi", IdempotencyKey: "req-z",
	})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestWellKnownKeys(t *testing.T) {
	server, _, _ := newTestServer(t)
	router := server.Router()

	req := httptest.NewRequest(http.MethodGet, "/.well-known/keys", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var body struct {
		Keys []auth.PublicKey `json:"keys"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode keys: %v", err)
	}
	if len(body.Keys) != 1 || !body.Keys[0].Current {
		t.Fatalf("unexpected key set: %+v", body.Keys)
	}
}

func TestUsageReportEndpoint(t *testing.T) {
	server, h, service := newTestServer(t)
	h.seedCommunity(t, "pro", 100000)
	router := server.Router()

	token := issueToken(t, service, ScopeReport)
	w := postJSON(router, "/v1/usage/reports", token, UsageReport{
		IdempotencyKey: "rep-1", Model: "inference-base", PromptTokens: 1000, CompletionTokens: 1000,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	snap, _ := h.ledger.Snapshot(context.Background(), "guild-1")
	if snap.CommittedCents != 8 {
		t.Fatalf("report not committed: %+v", snap)
	}
}

func TestHealthz(t *testing.T) {
	server, _, _ := newTestServer(t)
	router := server.Router()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"CryptoReason-Chain/internal/auth"
	"CryptoReason-Chain/internal/directory"
	"CryptoReason-Chain/internal/orchestrator"
)

type stubOrchestrator struct {
	triggers int
	session  orchestrator.Session
	pending  []orchestrator.LedgerEntry
}

func (s *stubOrchestrator) Trigger() bool {
	s.triggers++
	return s.triggers == 1
}

func (s *stubOrchestrator) Running() bool { return false }

func (s *stubOrchestrator) Session() orchestrator.Session { return s.session }

func (s *stubOrchestrator) Transactions() ([]orchestrator.LedgerEntry, []orchestrator.LedgerEntry) {
	return s.pending, nil
}

type stubDirectory []directory.Entry

func (d stubDirectory) Entries() []directory.Entry { return d }

func TestTriggerCoalescesRequests(t *testing.T) {
	orch := &stubOrchestrator{}
	handler := NewServer(":0", orch, nil).Handler()

	for i, want := range []bool{true, false} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/cycles", nil))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: unexpected status %d", i, rec.Code)
		}
		var resp TriggerResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Queued != want {
			t.Fatalf("request %d: queued=%v want %v", i, resp.Queued, want)
		}
	}
}

func TestSessionAndTransactions(t *testing.T) {
	orch := &stubOrchestrator{
		session: orchestrator.Session{CycleID: "cycle-1", LastSignal: "SELL"},
		pending: []orchestrator.LedgerEntry{{ID: "entry-1", Status: orchestrator.StatusPending, Amount: 0.00007}},
	}
	handler := NewServer(":0", orch, nil).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))
	var sess orchestrator.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.CycleID != "cycle-1" || sess.LastSignal != "SELL" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/transactions", nil))
	var txs TransactionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &txs); err != nil {
		t.Fatalf("decode transactions: %v", err)
	}
	if len(txs.Pending) != 1 || txs.Pending[0].ID != "entry-1" {
		t.Fatalf("unexpected transactions: %+v", txs)
	}
}

func TestDirectoryAndHealth(t *testing.T) {
	dir := stubDirectory{{Role: "COIN_AGENT", Address: "agent1coin"}}
	handler := NewServer(":0", &stubOrchestrator{}, dir).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/directory", nil))
	if !strings.Contains(rec.Body.String(), "agent1coin") {
		t.Fatalf("directory missing entry: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics endpoint returned %d", rec.Code)
	}
}

func TestRoutesRequireTokenWhenConfigured(t *testing.T) {
	orch := &stubOrchestrator{}
	svc := auth.NewService(auth.FullAccess([]string{"s3cret"})...)
	handler := NewServer(":0", orch, nil, WithAuth(svc)).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/cycles", nil))
	if rec.Code != http.StatusUnauthorized || orch.triggers != 0 {
		t.Fatalf("expected 401 without token, got %d (triggers=%d)", rec.Code, orch.triggers)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cycles", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted || orch.triggers != 1 {
		t.Fatalf("expected accepted trigger, got %d (triggers=%d)", rec.Code, orch.triggers)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health check must stay public, got %d", rec.Code)
	}
}

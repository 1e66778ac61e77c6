package cryptoreason

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTriggerCycleSendsToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/cycles" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(TriggerResult{Queued: true})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.SetAccessToken("abc123")
	res, err := client.TriggerCycle(context.Background())
	if err != nil {
		t.Fatalf("TriggerCycle: %v", err)
	}
	if !res.Queued {
		t.Fatalf("expected queued result")
	}
	if auth != "Bearer abc123" {
		t.Fatalf("expected bearer token, got %q", auth)
	}
}

func TestSessionAndTransactions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/session", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"cycle_id":"c1","last_signal":"SELL","pending_transactions":[{"id":"e1","status":"pending"}]}`))
	})
	mux.HandleFunc("/api/v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"pending":[],"completed":[{"id":"e0","status":"completed","reward_tx_hash":"0xabc"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	sess, err := client.Session(context.Background())
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.CycleID != "c1" || sess.LastSignal != "SELL" || len(sess.Pending) != 1 {
		t.Fatalf("unexpected session: %+v", sess)
	}
	txs, err := client.Transactions(context.Background())
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if len(txs.Completed) != 1 || txs.Completed[0].RewardTxHash != "0xabc" {
		t.Fatalf("unexpected transactions: %+v", txs)
	}
}

func TestAPIErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = client.Directory(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}

// Package cryptoreason is a Go client for the CryptoReason control API.
package cryptoreason

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the control API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// TriggerResult is returned when a cycle is requested.
type TriggerResult struct {
	Queued  bool `json:"queued"`
	Running bool `json:"running"`
}

// LedgerEntry is one dispatched swap.
type LedgerEntry struct {
	ID              string     `json:"id"`
	CycleID         string     `json:"cycle_id"`
	Signal          string     `json:"signal"`
	Network         string     `json:"network"`
	Route           string     `json:"route"`
	Amount          float64    `json:"amount"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Message         string     `json:"message,omitempty"`
	RewardRequested bool       `json:"reward_requested"`
	RewardTxHash    string     `json:"reward_tx_hash,omitempty"`
}

// Session is the state of the latest trading cycle.
type Session struct {
	CycleID           string        `json:"cycle_id"`
	StartedAt         time.Time     `json:"started_at"`
	FinishedAt        *time.Time    `json:"finished_at,omitempty"`
	Phase             string        `json:"phase"`
	Outcome           string        `json:"outcome,omitempty"`
	Error             string        `json:"error,omitempty"`
	Network           string        `json:"network"`
	HeartbeatStatus   string        `json:"heartbeat_status,omitempty"`
	FeeTxHash         string        `json:"fee_tx_hash,omitempty"`
	RoundsRemaining   int           `json:"rounds_remaining"`
	LastReasoningText string        `json:"last_reasoning_text,omitempty"`
	LastSignal        string        `json:"last_signal,omitempty"`
	Pending           []LedgerEntry `json:"pending_transactions"`
	Completed         []LedgerEntry `json:"completed_transactions"`
}

// Transactions holds both halves of the swap ledger.
type Transactions struct {
	Pending   []LedgerEntry `json:"pending"`
	Completed []LedgerEntry `json:"completed"`
}

// DirectoryEntry maps a role to an agent address.
type DirectoryEntry struct {
	Role    string `json:"role"`
	Address string `json:"address"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("cryptoreason api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with every API call.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// TriggerCycle asks the orchestrator to run a cycle now.
func (c *Client) TriggerCycle(ctx context.Context) (TriggerResult, error) {
	var out TriggerResult
	err := c.call(ctx, http.MethodPost, "/api/v1/cycles", &out)
	return out, err
}

// Session fetches the current session snapshot.
func (c *Client) Session(ctx context.Context) (Session, error) {
	var out Session
	err := c.call(ctx, http.MethodGet, "/api/v1/session", &out)
	return out, err
}

// Transactions fetches the swap ledger.
func (c *Client) Transactions(ctx context.Context) (Transactions, error) {
	var out Transactions
	err := c.call(ctx, http.MethodGet, "/api/v1/transactions", &out)
	return out, err
}

// Directory lists the role directory.
func (c *Client) Directory(ctx context.Context) ([]DirectoryEntry, error) {
	var out []DirectoryEntry
	err := c.call(ctx, http.MethodGet, "/api/v1/directory", &out)
	return out, err
}

// Healthy reports whether /healthz answers 200.
func (c *Client) Healthy(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/healthz", nil)
}

func (c *Client) call(ctx context.Context, method, endpoint string, out any) error {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

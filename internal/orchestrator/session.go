package orchestrator

import (
	"time"

	"CryptoReason-Chain/internal/protocol"
	"CryptoReason-Chain/internal/storage/jsonfile"
)

// 台账条目状态。
const (
	StatusDispatching = "dispatching"
	StatusPending     = "pending"
	StatusInProgress  = "in_progress"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// LedgerEntry 记录一次已下发的兑换。条目只会被修改，不会被删除。
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

// Session 是一个交易周期的状态。除两个台账列表外，每个周期开始时重新创建。
type Session struct {
	CycleID           string                      `json:"cycle_id"`
	StartedAt         time.Time                   `json:"started_at"`
	FinishedAt        *time.Time                  `json:"finished_at,omitempty"`
	Phase             string                      `json:"phase"`
	Outcome           string                      `json:"outcome,omitempty"`
	Error             string                      `json:"error,omitempty"`
	Network           string                      `json:"network"`
	RiskProfile       string                      `json:"risk_profile"`
	InvestorType      string                      `json:"investor_type"`
	HeartbeatStatus   string                      `json:"heartbeat_status,omitempty"`
	FeeTxHash         string                      `json:"fee_tx_hash,omitempty"`
	MarketSnapshot    *protocol.CoinResponse      `json:"market_snapshot,omitempty"`
	NewsSnapshot      string                      `json:"news_snapshot,omitempty"`
	SentimentSnapshot *protocol.SentimentResponse `json:"sentiment_snapshot,omitempty"`
	RoundsRemaining   int                         `json:"rounds_remaining"`
	LastReasoningText string                      `json:"last_reasoning_text,omitempty"`
	LastSignal        string                      `json:"last_signal,omitempty"`

	PendingTransactions   []LedgerEntry `json:"pending_transactions"`
	CompletedTransactions []LedgerEntry `json:"completed_transactions"`
}

// clone 返回深拷贝，供外部读取。
func (s *Session) clone() Session {
	out := *s
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	if s.MarketSnapshot != nil {
		m := *s.MarketSnapshot
		out.MarketSnapshot = &m
	}
	if s.SentimentSnapshot != nil {
		v := *s.SentimentSnapshot
		out.SentimentSnapshot = &v
	}
	out.PendingTransactions = cloneEntries(s.PendingTransactions)
	out.CompletedTransactions = cloneEntries(s.CompletedTransactions)
	return out
}

func cloneEntries(in []LedgerEntry) []LedgerEntry {
	out := make([]LedgerEntry, len(in))
	copy(out, in)
	for i := range out {
		if in[i].CompletedAt != nil {
			t := *in[i].CompletedAt
			out[i].CompletedAt = &t
		}
	}
	return out
}

// SessionStore 以 JSON 文件持久化会话，写入为原子替换。Path 为空时不落盘。
type SessionStore struct {
	Path string
}

// Load 读取上次保存的会话，文件不存在时返回空会话。
func (s SessionStore) Load() (*Session, error) {
	var sess Session
	if s.Path == "" {
		return &sess, nil
	}
	if _, err := jsonfile.Read(s.Path, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Save 原子地写入会话快照。
func (s SessionStore) Save(sess Session) error {
	if s.Path == "" {
		return nil
	}
	return jsonfile.Write(s.Path, sess)
}

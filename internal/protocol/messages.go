// Package protocol 定义智能体之间交换的消息结构及其类型标签。
package protocol

import "math/big"

// Message 由所有可投递的消息实现，返回分发表使用的类型标签。
type Message interface {
	MessageType() string
}

// 类型标签。
const (
	TypeHeartbeat         = "heartbeat"
	TypeCoinRequest       = "coin.request"
	TypeCoinResponse      = "coin.response"
	TypeNewsRequest       = "news.request"
	TypeNewsResponse      = "news.response"
	TypeSentimentRequest  = "sentiment.request"
	TypeSentimentResponse = "sentiment.response"
	TypeReasoningRequest  = "reasoning.request"
	TypeReasoningResponse = "reasoning.response"
	TypeSwapRequest       = "swap.request"
	TypeSwapResponse      = "swap.response"
	TypeSwapCompleted     = "swap.completed"
	TypePaymentInquiry    = "payment.inquiry"
	TypePaymentRequest    = "payment.request"
	TypeTransactionInfo   = "payment.tx"
	TypePaymentReceived   = "payment.received"
	TypeRewardRequest     = "reward.request"
	TypeTopupRequest      = "topup.request"
	TypeTopupResponse     = "topup.response"
	TypeError             = "error"
)

// 固定的状态取值。
const (
	StatusReady         = "ready"
	StatusContinue      = "continue"
	StatusStop          = "stop"
	StatusSuccess       = "success"
	StatusFailure       = "failure"
	StatusNotFound      = "not_found"
	StatusReward        = "reward"
	StatusSwapCompleted = "swapcompleted"
	StatusInProgress    = "in_progress"
	StatusAccepted      = "accepted"
	StatusRejected      = "rejected"
)

// Heartbeat 在周期开始前询问是否允许交易，响应同样使用该结构。
type Heartbeat struct {
	Status string `json:"status"`
}

// CoinRequest 请求某条链原生币的行情。
type CoinRequest struct {
	Blockchain string `json:"blockchain"`
}

// CoinResponse 是行情快照。
type CoinResponse struct {
	Name           string  `json:"name"`
	Symbol         string  `json:"symbol"`
	CurrentPrice   float64 `json:"current_price"`
	MarketCap      float64 `json:"market_cap"`
	TotalVolume    float64 `json:"total_volume"`
	PriceChange24h float64 `json:"price_change_24h"`
}

type NewsRequest struct {
	Limit int `json:"limit"`
}

type NewsResponse struct {
	Updates string `json:"updates"`
}

type SentimentRequest struct {
	Limit int `json:"limit"`
}

// SentimentResponse 对应恐惧贪婪指数。
type SentimentResponse struct {
	Value          float64 `json:"value"`
	Classification string  `json:"classification"`
	Timestamp      string  `json:"timestamp"`
}

type ReasoningRequest struct {
	Query string `json:"query"`
}

type ReasoningResponse struct {
	Decision string `json:"decision"`
}

// SwapRequest 交给兑换执行方。Amount 是以原生币计的小数金额，只在这一边界上使用浮点。
type SwapRequest struct {
	Blockchain string  `json:"blockchain"`
	Signal     string  `json:"signal"`
	Route      string  `json:"route"`
	Amount     float64 `json:"amount"`
	Credential string  `json:"credential,omitempty"`
}

type SwapResponse struct {
	Status string `json:"status"`
}

// SwapCompleted 是兑换执行方在交易落地后的通知，可能迟于本周期到达。
type SwapCompleted struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PaymentInquiry 开启费用握手，Wallet 是付款方用于接收奖励的地址。
type PaymentInquiry struct {
	Ready  string `json:"ready"`
	Wallet string `json:"wallet,omitempty"`
}

// PaymentRequest 告知付款地址与精确金额（最小单位）。
type PaymentRequest struct {
	WalletAddress string   `json:"wallet_address"`
	Amount        *big.Int `json:"amount"`
	Denom         string   `json:"denom"`
}

type TransactionInfo struct {
	TxHash string `json:"tx_hash"`
}

type PaymentReceived struct {
	Status string `json:"status"`
}

type RewardRequest struct {
	Status string `json:"status"`
}

// TopupRequest 请求水龙头向 Wallet 转入 Amount 个原生币。
type TopupRequest struct {
	Amount float64 `json:"amount"`
	Wallet string  `json:"wallet"`
}

type TopupResponse struct {
	Status string `json:"status"`
	TxHash string `json:"tx_hash,omitempty"`
}

// ErrorReply 在处理方无法给出业务响应时返回。
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Heartbeat) MessageType() string         { return TypeHeartbeat }
func (CoinRequest) MessageType() string       { return TypeCoinRequest }
func (CoinResponse) MessageType() string      { return TypeCoinResponse }
func (NewsRequest) MessageType() string       { return TypeNewsRequest }
func (NewsResponse) MessageType() string      { return TypeNewsResponse }
func (SentimentRequest) MessageType() string  { return TypeSentimentRequest }
func (SentimentResponse) MessageType() string { return TypeSentimentResponse }
func (ReasoningRequest) MessageType() string  { return TypeReasoningRequest }
func (ReasoningResponse) MessageType() string { return TypeReasoningResponse }
func (SwapRequest) MessageType() string       { return TypeSwapRequest }
func (SwapResponse) MessageType() string      { return TypeSwapResponse }
func (SwapCompleted) MessageType() string     { return TypeSwapCompleted }
func (PaymentInquiry) MessageType() string    { return TypePaymentInquiry }
func (PaymentRequest) MessageType() string    { return TypePaymentRequest }
func (TransactionInfo) MessageType() string   { return TypeTransactionInfo }
func (PaymentReceived) MessageType() string   { return TypePaymentReceived }
func (RewardRequest) MessageType() string     { return TypeRewardRequest }
func (TopupRequest) MessageType() string      { return TypeTopupRequest }
func (TopupResponse) MessageType() string     { return TypeTopupResponse }
func (ErrorReply) MessageType() string        { return TypeError }

package providers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strconv"

	"CryptoReason-Chain/internal/config"
	xerrors "CryptoReason-Chain/internal/errors"
	"CryptoReason-Chain/internal/protocol"
	"CryptoReason-Chain/internal/runtime"
	"CryptoReason-Chain/internal/transport"
	"CryptoReason-Chain/pkg/logger"
)

// Sentiment 通过 CoinMarketCap 提供恐惧贪婪指数。
type Sentiment struct {
	client  *HTTPClient
	replier Replier
	log     *slog.Logger
}

// NewSentiment 创建情绪提供方。
func NewSentiment(cfg config.EndpointConfig, replier Replier) *Sentiment {
	client := NewHTTPClient("coinmarketcap", cfg)
	client.SetHeader("X-CMC_PRO_API_KEY", config.Secret(cfg.APIKeyEnv))
	return &Sentiment{client: client, replier: replier, log: logger.Named("sentiment")}
}

// Register 登记 SentimentRequest 处理函数。
func (s *Sentiment) Register(rt *runtime.Runtime) {
	runtime.On(rt, s.HandleSentimentRequest)
}

// HandleSentimentRequest 回复最新一条指数。
func (s *Sentiment) HandleSentimentRequest(ctx context.Context, env transport.Envelope, msg protocol.SentimentRequest) error {
	resp, err := s.Latest(ctx, msg.Limit)
	return answer(ctx, s.replier, s.log, env, resp, err)
}

// Latest 查询历史指数并返回最新的一条。
func (s *Sentiment) Latest(ctx context.Context, limit int) (protocol.SentimentResponse, error) {
	if limit <= 0 {
		limit = 1
	}
	var raw struct {
		Data []struct {
			Value          float64     `json:"value"`
			Classification string      `json:"value_classification"`
			Timestamp      json.Number `json:"timestamp"`
		} `json:"data"`
	}
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	if err := s.client.GetJSON(ctx, "/v3/fear-and-greed/historical", query, &raw); err != nil {
		return protocol.SentimentResponse{}, err
	}
	if len(raw.Data) == 0 {
		return protocol.SentimentResponse{}, xerrors.New(xerrors.CodeProviderFailure, "情绪指数响应为空")
	}
	latest := raw.Data[0]
	resp := protocol.SentimentResponse{
		Value:          latest.Value,
		Classification: latest.Classification,
		Timestamp:      latest.Timestamp.String(),
	}
	s.log.Info("情绪指数已获取", slog.Float64("value", resp.Value), slog.String("classification", resp.Classification))
	return resp, nil
}

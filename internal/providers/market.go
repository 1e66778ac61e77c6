package providers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"CryptoReason-Chain/internal/config"
	xerrors "CryptoReason-Chain/internal/errors"
	"CryptoReason-Chain/internal/protocol"
	"CryptoReason-Chain/internal/runtime"
	"CryptoReason-Chain/internal/transport"
	"CryptoReason-Chain/pkg/logger"
)

// coinIDs 把网络名映射到 CoinGecko 的币种 ID。base 链的原生币是 ETH。
var coinIDs = map[string]string{
	"base":          "ethereum",
	"ethereum":      "ethereum",
	"bitcoin":       "bitcoin",
	"matic-network": "matic-network",
}

// CoinID 返回网络对应的币种 ID。
func CoinID(network string) (string, error) {
	id, ok := coinIDs[strings.ToLower(strings.TrimSpace(network))]
	if !ok {
		return "", xerrors.New(xerrors.CodeProviderFailure, fmt.Sprintf("不支持的网络 %q", network),
			xerrors.WithRetryable(false))
	}
	return id, nil
}

// Market 通过 CoinGecko 提供行情快照。
type Market struct {
	client  *HTTPClient
	replier Replier
	log     *slog.Logger
}

// NewMarket 创建行情提供方。
func NewMarket(cfg config.EndpointConfig, replier Replier) *Market {
	client := NewHTTPClient("coingecko", cfg)
	client.SetHeader("x-cg-demo-api-key", config.Secret(cfg.APIKeyEnv))
	return &Market{client: client, replier: replier, log: logger.Named("market")}
}

// Register 登记 CoinRequest 处理函数。
func (m *Market) Register(rt *runtime.Runtime) {
	runtime.On(rt, m.HandleCoinRequest)
}

// HandleCoinRequest 回复行情快照，失败时回复错误。
func (m *Market) HandleCoinRequest(ctx context.Context, env transport.Envelope, msg protocol.CoinRequest) error {
	resp, err := m.Fetch(ctx, msg.Blockchain)
	return answer(ctx, m.replier, m.log, env, resp, err)
}

// Fetch 查询网络原生币的行情。
func (m *Market) Fetch(ctx context.Context, network string) (protocol.CoinResponse, error) {
	id, err := CoinID(network)
	if err != nil {
		return protocol.CoinResponse{}, err
	}
	var raw struct {
		Name       string `json:"name"`
		Symbol     string `json:"symbol"`
		MarketData struct {
			CurrentPrice             map[string]float64 `json:"current_price"`
			MarketCap                map[string]float64 `json:"market_cap"`
			TotalVolume              map[string]float64 `json:"total_volume"`
			PriceChangePercentage24h float64            `json:"price_change_percentage_24h"`
		} `json:"market_data"`
	}
	if err := m.client.GetJSON(ctx, "/coins/"+id, nil, &raw); err != nil {
		return protocol.CoinResponse{}, err
	}
	if raw.Name == "" {
		return protocol.CoinResponse{}, xerrors.New(xerrors.CodeProviderFailure, "行情响应缺少币种信息")
	}
	resp := protocol.CoinResponse{
		Name:           raw.Name,
		Symbol:         strings.ToUpper(raw.Symbol),
		CurrentPrice:   raw.MarketData.CurrentPrice["usd"],
		MarketCap:      raw.MarketData.MarketCap["usd"],
		TotalVolume:    raw.MarketData.TotalVolume["usd"],
		PriceChange24h: raw.MarketData.PriceChangePercentage24h,
	}
	m.log.Info("行情已获取",
		slog.String("coin", id),
		slog.Float64("price", resp.CurrentPrice),
		slog.Float64("change_24h", resp.PriceChange24h))
	return resp, nil
}

package providers

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"CryptoReason-Chain/internal/config"
	xerrors "CryptoReason-Chain/internal/errors"
	"CryptoReason-Chain/internal/protocol"
	"CryptoReason-Chain/internal/runtime"
	"CryptoReason-Chain/internal/transport"
	"CryptoReason-Chain/pkg/logger"
)

const newsQuery = "crypto OR cryptocurrency OR bitcoin OR ethereum OR recession OR FOMC OR crypto exchange OR bearish OR bullish"

// News 从 NewsAPI 拉取最近一天的加密相关头条。
type News struct {
	client  *HTTPClient
	replier Replier
	now     func() time.Time
	log     *slog.Logger
}

// NewNews 创建新闻提供方。
func NewNews(cfg config.EndpointConfig, replier Replier) *News {
	client := NewHTTPClient("newsapi", cfg)
	client.SetHeader("X-Api-Key", config.Secret(cfg.APIKeyEnv))
	return &News{client: client, replier: replier, now: time.Now, log: logger.Named("news")}
}

// Register 登记 NewsRequest 处理函数。
func (n *News) Register(rt *runtime.Runtime) {
	runtime.On(rt, n.HandleNewsRequest)
}

// HandleNewsRequest 回复拼接后的头条文本。
func (n *News) HandleNewsRequest(ctx context.Context, env transport.Envelope, msg protocol.NewsRequest) error {
	updates, err := n.Headlines(ctx, msg.Limit)
	return answer(ctx, n.replier, n.log, env, protocol.NewsResponse{Updates: updates}, err)
}

// Headlines 返回前 limit 条头条，每条一行，格式为“标题: 摘要”。
func (n *News) Headlines(ctx context.Context, limit int) (string, error) {
	if limit <= 0 {
		limit = 3
	}
	today := n.now().UTC()
	query := url.Values{
		"q":        {newsQuery},
		"from":     {today.AddDate(0, 0, -1).Format(time.DateOnly)},
		"to":       {today.Format(time.DateOnly)},
		"sortBy":   {"relevancy"},
		"language": {"en"},
		"pageSize": {strconv.Itoa(limit)},
		"page":     {"1"},
	}
	var raw struct {
		Status   string `json:"status"`
		Message  string `json:"message"`
		Articles []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"articles"`
	}
	if err := n.client.GetJSON(ctx, "/everything", query, &raw); err != nil {
		return "", err
	}
	if raw.Status != "" && raw.Status != "ok" {
		return "", xerrors.New(xerrors.CodeProviderFailure, fmt.Sprintf("新闻源返回 %s: %s", raw.Status, raw.Message))
	}

	lines := make([]string, 0, limit)
	for _, a := range raw.Articles {
		if len(lines) == limit {
			break
		}
		title := strings.TrimSpace(a.Title)
		if title == "" {
			continue
		}
		if desc := strings.TrimSpace(a.Description); desc != "" {
			title += ": " + desc
		}
		lines = append(lines, title)
	}
	n.log.Info("新闻已获取", slog.Int("count", len(lines)))
	return strings.Join(lines, "\n"), nil
}

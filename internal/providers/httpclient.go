// Package providers 实现为编排器供数的智能体：行情、新闻、情绪、推理、心跳与水龙头。
// 每个提供方在运行时上登记处理函数，并以关联响应作答。
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"CryptoReason-Chain/internal/config"
	xerrors "CryptoReason-Chain/internal/errors"
	"CryptoReason-Chain/pkg/logger"
)

// HTTPClient 对单个外部数据源限速，并对可重试的失败做固定次数、固定间隔的重试。
type HTTPClient struct {
	name        string
	baseURL     string
	http        *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	retryDelay  time.Duration
	headers     map[string]string
	log         *slog.Logger
}

// NewHTTPClient 根据端点配置创建客户端。
func NewHTTPClient(name string, cfg config.EndpointConfig) *HTTPClient {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &HTTPClient{
		name:        name,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		http:        &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(perSecond), burst),
		maxAttempts: attempts,
		retryDelay:  time.Second,
		headers:     make(map[string]string),
		log:         logger.Named("provider").With(slog.String("source", name)),
	}
}

// SetHeader 设置每个请求都会携带的请求头。
func (c *HTTPClient) SetHeader(key, value string) {
	if value != "" {
		c.headers[key] = value
	}
}

// GetJSON 请求 baseURL+path 并把响应体解码到 out。
func (c *HTTPClient) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return xerrors.Wrap(xerrors.CodeProviderFailure, err, fmt.Sprintf("%s 限速等待被取消", c.name))
		}
		err := c.do(ctx, endpoint, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !xerrors.RetryableError(err) || attempt == c.maxAttempts {
			break
		}
		c.log.Warn("请求数据源失败，稍后重试", slog.Int("attempt", attempt), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return xerrors.Wrap(xerrors.CodeProviderFailure, ctx.Err(), fmt.Sprintf("%s 请求被取消", c.name))
		case <-time.After(c.retryDelay):
		}
	}
	return lastErr
}

func (c *HTTPClient) do(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeProviderFailure, err, "构建请求失败", xerrors.WithRetryable(false))
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeProviderFailure, err, fmt.Sprintf("请求 %s 失败", c.name))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		retryable := resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests
		return xerrors.New(xerrors.CodeProviderFailure,
			fmt.Sprintf("%s 返回状态 %d: %s", c.name, resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithRetryable(retryable),
			xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeProviderFailure, err, fmt.Sprintf("解析 %s 响应失败", c.name), xerrors.WithRetryable(false))
	}
	return nil
}

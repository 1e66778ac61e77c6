package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "CryptoReason-Chain/internal/errors"
)

// Candidate 是远程目录按相关度返回的一个智能体。
type Candidate struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	Description string `json:"description,omitempty"`
}

type searchRequest struct {
	SearchText string `json:"search_text"`
	Sort       string `json:"sort"`
	Direction  string `json:"direction"`
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
}

type searchResponse struct {
	Agents []Candidate `json:"agents"`
}

// Discover 按标签查询远程目录，保持服务端返回的排序。
// 失败时以固定间隔重试，最终仍失败则返回 PROVIDER_FAILURE。
func (d *Directory) Discover(ctx context.Context, tag string, limit int) ([]Candidate, error) {
	if strings.TrimSpace(d.discoveryURL) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFail, "未配置远程目录地址")
	}
	if limit <= 0 {
		limit = 10
	}
	body, err := json.Marshal(searchRequest{
		SearchText: "tag:" + strings.TrimPrefix(tag, "tag:"),
		Sort:       "relevancy",
		Direction:  "asc",
		Offset:     0,
		Limit:      limit,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化查询失败")
	}

	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		candidates, err := d.search(ctx, body)
		if err == nil {
			return candidates, nil
		}
		lastErr = err
		d.log.Warn("远程目录查询失败",
			slog.String("tag", tag),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if attempt == d.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.delay):
		}
	}
	return nil, xerrors.Wrap(xerrors.CodeProviderFailure, lastErr, fmt.Sprintf("发现标签 %s 的智能体失败", tag))
}

func (d *Directory) search(ctx context.Context, body []byte) ([]Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.discoveryURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("目录服务返回状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析目录响应失败: %w", err)
	}
	return decoded.Agents, nil
}

// RoleFor 由智能体名称推导角色名：转为大写并以下划线替换空格。
func RoleFor(name string) string {
	return strings.ReplaceAll(normalize(name), " ", "_")
}

// RegisterDiscovered 把发现结果登记为角色，跳过缺少名称或地址的条目。
func (d *Directory) RegisterDiscovered(candidates []Candidate) []Entry {
	registered := make([]Entry, 0, len(candidates))
	for _, c := range candidates {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Address) == "" {
			continue
		}
		role := RoleFor(c.Name)
		d.Register(role, c.Address)
		registered = append(registered, Entry{Role: role, Address: c.Address})
	}
	return registered
}

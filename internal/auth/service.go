// Package auth 以静态 Bearer 令牌保护管理 API，并为每次访问写审计日志。
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	"CryptoReason-Chain/pkg/logger"
)

// TokenGrant 把一个令牌映射到主体与权限。
type TokenGrant struct {
	Token       string
	Name        string
	Permissions []string
}

type grant struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service 校验请求令牌。未配置任何令牌时认证关闭。
type Service struct {
	grants []grant
	audit  *slog.Logger
}

// NewService 根据令牌列表创建认证服务，只保存令牌摘要。
func NewService(grants ...TokenGrant) *Service {
	s := &Service{audit: logger.Audit()}
	for _, g := range grants {
		token := strings.TrimSpace(g.Token)
		if token == "" {
			continue
		}
		subject := Subject{Name: g.Name, Permissions: append([]string(nil), g.Permissions...)}
		s.grants = append(s.grants, grant{digest: sha256.Sum256([]byte(token)), subject: subject})
	}
	return s
}

// FullAccess 为每个令牌授予全部权限，名称按顺序编号。
func FullAccess(tokens []string) []TokenGrant {
	out := make([]TokenGrant, 0, len(tokens))
	for i, token := range tokens {
		out = append(out, TokenGrant{
			Token:       token,
			Name:        fmt.Sprintf("token-%d", i+1),
			Permissions: []string{PermissionRunCycle, PermissionReadState},
		})
	}
	return out
}

// Enabled 报告是否需要认证。
func (s *Service) Enabled() bool {
	return s != nil && len(s.grants) > 0
}

// AuthenticateRequest 解析 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	for i := range s.grants {
		if subtle.ConstantTimeCompare(digest[:], s.grants[i].digest[:]) == 1 {
			subject := s.grants[i].subject
			subject.Permissions = append([]string(nil), subject.Permissions...)
			return &subject, nil
		}
	}
	return nil, ErrInvalidToken
}

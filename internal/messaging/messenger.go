// Package messaging 在传输层之上提供带固定次数重试的发送，以及基于关联 ID 的请求/响应等待。
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"CryptoReason-Chain/internal/correlation"
	xerrors "CryptoReason-Chain/internal/errors"
	"CryptoReason-Chain/internal/observability/metrics"
	"CryptoReason-Chain/internal/protocol"
	"CryptoReason-Chain/internal/transport"
	"CryptoReason-Chain/pkg/logger"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 2 * time.Second
	defaultTimeout     = 10 * time.Second
)

// Resolver 将角色名解析为邮箱地址。
type Resolver interface {
	Resolve(role string) (string, error)
}

// Messenger 负责某个智能体的所有出站消息。
type Messenger struct {
	sender    string
	publisher transport.Publisher
	resolver  Resolver
	pending   *correlation.Registry[transport.Envelope]

	maxAttempts int
	retryDelay  time.Duration
	timeout     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	log         *slog.Logger
}

// Option 定义 Messenger 的可选配置。
type Option func(*Messenger)

// WithRetry 设置发送的最大尝试次数与固定间隔。
func WithRetry(maxAttempts int, delay time.Duration) Option {
	return func(m *Messenger) {
		if maxAttempts > 0 {
			m.maxAttempts = maxAttempts
		}
		if delay >= 0 {
			m.retryDelay = delay
		}
	}
}

// WithDefaultTimeout 设置 SendAndAwait 在未指定超时时使用的等待时长。
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(m *Messenger) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// New 创建 Messenger。sender 是本智能体的邮箱地址，resolver 可以为 nil。
func New(sender string, publisher transport.Publisher, resolver Resolver, opts ...Option) *Messenger {
	m := &Messenger{
		sender:      sender,
		publisher:   publisher,
		resolver:    resolver,
		pending:     correlation.NewRegistry[transport.Envelope](),
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		timeout:     defaultTimeout,
		sleep:       sleepContext,
		log:         logger.Named("messaging").With(slog.String("agent", sender)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Sender 返回本智能体的地址。
func (m *Messenger) Sender() string {
	return m.sender
}

// Send 投递一条不需要等待响应的消息。
func (m *Messenger) Send(ctx context.Context, target string, msg protocol.Message) error {
	env, err := m.envelope(target, msg, "")
	if err != nil {
		return err
	}
	return m.publish(ctx, env)
}

// Reply 对 request 作出响应，沿用其关联 ID。
func (m *Messenger) Reply(ctx context.Context, request transport.Envelope, msg protocol.Message) error {
	env, err := transport.NewEnvelope(msg.MessageType(), msg)
	if err != nil {
		return err
	}
	env.Sender = m.sender
	env.Target = request.Sender
	env.CorrelationID = request.CorrelationID
	return m.publish(ctx, env)
}

// SendAndAwait 发送请求并等待关联响应。timeout 为 0 时使用默认值。
// 任何失败都会释放关联 ID，迟到的响应将作为普通消息进入分发表。
func (m *Messenger) SendAndAwait(ctx context.Context, target string, msg protocol.Message, timeout time.Duration) (transport.Envelope, error) {
	if timeout <= 0 {
		timeout = m.timeout
	}
	correlationID := uuid.NewString()
	env, err := m.envelope(target, msg, correlationID)
	if err != nil {
		return transport.Envelope{}, err
	}
	if err := m.pending.Register(correlationID); err != nil {
		return transport.Envelope{}, err
	}
	if err := m.publish(ctx, env); err != nil {
		m.pending.Release(correlationID)
		return transport.Envelope{}, err
	}

	reply, err := m.pending.Await(ctx, correlationID, timeout)
	if err != nil {
		metrics.AwaitOutcome(msg.MessageType(), "timeout")
		m.log.Warn("等待响应失败",
			slog.String("type", msg.MessageType()),
			slog.String("target", env.Target),
			slog.String("correlation_id", correlationID),
			slog.Any("error", err))
		return transport.Envelope{}, err
	}
	metrics.AwaitOutcome(msg.MessageType(), "resolved")
	if reply.Type == protocol.TypeError {
		var remote protocol.ErrorReply
		_ = reply.Decode(&remote)
		code := xerrors.Code(remote.Code)
		if code == "" {
			code = xerrors.CodeProviderFailure
		}
		return reply, xerrors.New(code, fmt.Sprintf("%s 返回错误: %s", env.Target, remote.Message))
	}
	return reply, nil
}

// Deliver 尝试把入站信封作为等待中请求的响应。返回 true 表示已被消费。
func (m *Messenger) Deliver(env transport.Envelope) bool {
	if env.CorrelationID == "" {
		return false
	}
	return m.pending.Resolve(env.CorrelationID, env)
}

// Pending 返回等待中的请求数量。
func (m *Messenger) Pending() int {
	return m.pending.Pending()
}

func (m *Messenger) envelope(target string, msg protocol.Message, correlationID string) (transport.Envelope, error) {
	address, err := m.resolve(target)
	if err != nil {
		return transport.Envelope{}, err
	}
	env, err := transport.NewEnvelope(msg.MessageType(), msg)
	if err != nil {
		return transport.Envelope{}, err
	}
	env.Sender = m.sender
	env.Target = address
	env.CorrelationID = correlationID
	return env, nil
}

// resolve 优先查询服务目录，查不到时允许直接使用邮箱地址。
func (m *Messenger) resolve(target string) (string, error) {
	if m.resolver == nil {
		return target, nil
	}
	address, err := m.resolver.Resolve(target)
	if err == nil {
		return address, nil
	}
	if looksLikeAddress(target) {
		return target, nil
	}
	return "", err
}

func looksLikeAddress(target string) bool {
	return strings.Contains(target, "://") || strings.HasPrefix(target, "agent1")
}

// publish 仅在传输失败时重试，次数与间隔固定。
func (m *Messenger) publish(ctx context.Context, env transport.Envelope) error {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		err := m.publisher.Publish(ctx, env)
		if err == nil {
			metrics.SendAttempt(env.Type, "ok")
			return nil
		}
		lastErr = err
		if xerrors.CodeOf(err) != xerrors.CodeTransportFailure {
			metrics.SendAttempt(env.Type, "failed")
			return err
		}
		if attempt == m.maxAttempts {
			break
		}
		metrics.SendAttempt(env.Type, "retry")
		m.log.Warn("发送失败，稍后重试",
			slog.String("type", env.Type),
			slog.String("target", env.Target),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if err := m.sleep(ctx, m.retryDelay); err != nil {
			return xerrors.Wrap(xerrors.CodeTransportFailure, err, "发送被取消")
		}
	}
	metrics.SendAttempt(env.Type, "failed")
	return xerrors.Wrap(xerrors.CodeTransportFailure, lastErr,
		fmt.Sprintf("发送 %s 到 %s 失败，已尝试 %d 次", env.Type, env.Target, m.maxAttempts),
		xerrors.WithRetryable(false))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

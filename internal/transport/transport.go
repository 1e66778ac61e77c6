// Package transport 在智能体邮箱之间投递消息信封。
// 同一进程内使用内存实现，跨进程时可以切换到 Redis 或 RabbitMQ。
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	xerrors "CryptoReason-Chain/internal/errors"
)

// Envelope 是在邮箱之间传递的统一信封。Payload 保留原始 JSON，
// 由分发表根据 Type 解码。
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Sender        string          `json:"sender"`
	Target        string          `json:"target"`
	Payload       json.RawMessage `json:"payload"`
	SentAt        time.Time       `json:"sent_at"`
}

// NewEnvelope 序列化 payload 并生成信封 ID。
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("序列化消息 %s 失败", msgType))
	}
	return Envelope{
		ID:      uuid.NewString(),
		Type:    msgType,
		Payload: raw,
		SentAt:  time.Now().UTC(),
	}, nil
}

// Decode 将 Payload 解码到 v。
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("消息 %s 缺少 payload", e.Type))
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("解析消息 %s 失败", e.Type))
	}
	return nil
}

// Handler 处理从邮箱取出的信封。
type Handler func(ctx context.Context, env Envelope) error

// Publisher 负责把信封投递到目标邮箱。
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Subscriber 以单消费者的方式读取某个邮箱，直到 ctx 结束。
type Subscriber interface {
	Subscribe(ctx context.Context, address string, handler Handler) error
	Close() error
}

// Transport 同时具备投递与订阅能力。
type Transport interface {
	Publisher
	Subscriber
}

func encode(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化信封失败")
	}
	return body, nil
}

func decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析信封失败")
	}
	return env, nil
}

func transportError(cause error, format string, args ...any) error {
	return xerrors.Wrap(xerrors.CodeTransportFailure, cause, fmt.Sprintf(format, args...))
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"CryptoReason-Chain/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 邮箱的连接参数。
type RabbitMQConfig struct {
	URL      string
	Prefix   string
	Prefetch int
	Durable  bool
}

// RabbitMQTransport 为每个智能体地址声明一个队列。
type RabbitMQTransport struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	prefix   string
	durable  bool
	prefetch int

	mu       sync.Mutex
	declared map[string]struct{}
}

// NewRabbitMQTransport 建立连接与 channel。
func NewRabbitMQTransport(cfg RabbitMQConfig) (*RabbitMQTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "cryptoreason.inbox."
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	return &RabbitMQTransport{
		conn:     conn,
		ch:       ch,
		prefix:   prefix,
		durable:  cfg.Durable,
		prefetch: cfg.Prefetch,
		declared: make(map[string]struct{}),
	}, nil
}

func (t *RabbitMQTransport) declare(address string) (string, error) {
	queue := t.prefix + address
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.declared[queue]; ok {
		return queue, nil
	}
	if _, err := t.ch.QueueDeclare(queue, t.durable, false, false, false, nil); err != nil {
		return "", fmt.Errorf("声明 RabbitMQ 队列 %s 失败: %w", queue, err)
	}
	t.declared[queue] = struct{}{}
	return queue, nil
}

// Publish 将信封发送到目标地址对应的队列。
func (t *RabbitMQTransport) Publish(ctx context.Context, env Envelope) error {
	if t == nil || t.ch == nil {
		return errors.New("RabbitMQ 传输未初始化")
	}
	queue, err := t.declare(env.Target)
	if err != nil {
		return transportError(err, "投递到 %s 失败", env.Target)
	}
	body, err := encode(env)
	if err != nil {
		return err
	}
	mode := amqp.Transient
	if t.durable {
		mode = amqp.Persistent
	}
	err = t.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  mode,
		MessageId:     env.ID,
		CorrelationId: env.CorrelationID,
		Type:          env.Type,
		Timestamp:     env.SentAt,
		Body:          body,
	})
	if err != nil {
		return transportError(err, "RabbitMQ 投递到 %s 失败", env.Target)
	}
	return nil
}

// Subscribe 使用手动确认模式消费自己的队列。
func (t *RabbitMQTransport) Subscribe(ctx context.Context, address string, handler Handler) error {
	if t == nil || t.ch == nil {
		return errors.New("RabbitMQ 传输未初始化")
	}
	queue, err := t.declare(address)
	if err != nil {
		return err
	}
	deliveries, err := t.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return transportError(err, "订阅 RabbitMQ 队列 %s 失败", queue)
	}

	log := logger.Named("transport.rabbitmq")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return transportError(amqp.ErrClosed, "RabbitMQ 队列 %s 已关闭", queue)
			}
			env, err := decode(msg.Body)
			if err != nil {
				log.Warn("丢弃无法解析的信封", slog.String("queue", queue), slog.Any("error", err))
				_ = msg.Ack(false)
				continue
			}
			if err := handler(ctx, env); err != nil {
				log.Warn("处理信封失败", slog.String("type", env.Type), slog.String("id", env.ID), slog.Any("error", err))
			}
			_ = msg.Ack(false)
		}
	}
}

// Close 关闭 channel 与连接。
func (t *RabbitMQTransport) Close() error {
	if t == nil {
		return nil
	}
	if t.ch != nil {
		_ = t.ch.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

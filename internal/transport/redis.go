package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"CryptoReason-Chain/pkg/logger"
)

// RedisConfig 描述 Redis 邮箱的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Prefix    string
	BlockWait time.Duration
}

// RedisTransport 为每个智能体地址维护一个 Redis list。
type RedisTransport struct {
	client *redis.Client
	prefix string
	wait   time.Duration
}

// NewRedisTransport 连接 Redis 并校验可用性。
func NewRedisTransport(ctx context.Context, cfg RedisConfig) (*RedisTransport, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "cryptoreason:inbox:"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisTransport{client: client, prefix: prefix, wait: wait}, nil
}

func (t *RedisTransport) key(address string) string {
	return t.prefix + address
}

// Publish 通过 LPUSH 写入目标邮箱。
func (t *RedisTransport) Publish(ctx context.Context, env Envelope) error {
	body, err := encode(env)
	if err != nil {
		return err
	}
	if err := t.client.LPush(ctx, t.key(env.Target), body).Err(); err != nil {
		return transportError(err, "Redis 投递到 %s 失败", env.Target)
	}
	return nil
}

// Subscribe 通过 BRPOP 按到达顺序消费邮箱。
func (t *RedisTransport) Subscribe(ctx context.Context, address string, handler Handler) error {
	log := logger.Named("transport.redis")
	key := t.key(address)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := t.client.BRPop(ctx, t.wait, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
				return err
			}
			return transportError(err, "Redis 读取邮箱 %s 失败", address)
		}
		if len(values) != 2 {
			continue
		}
		env, err := decode([]byte(values[1]))
		if err != nil {
			log.Warn("丢弃无法解析的信封", slog.String("mailbox", address), slog.Any("error", err))
			continue
		}
		if err := handler(ctx, env); err != nil {
			log.Warn("处理信封失败", slog.String("type", env.Type), slog.String("id", env.ID), slog.Any("error", err))
		}
	}
}

// Close 关闭 Redis 连接。
func (t *RedisTransport) Close() error {
	if t == nil || t.client == nil {
		return nil
	}
	return t.client.Close()
}

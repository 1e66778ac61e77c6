package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed 表示传输层已经关闭。
var ErrClosed = errors.New("transport closed")

// MemoryTransport 用 channel 模拟邮箱，适用于测试以及单进程运行多个智能体。
type MemoryTransport struct {
	size      int
	mu        sync.Mutex
	mailboxes map[string]chan Envelope
	closed    bool
	done      chan struct{}
}

// NewMemoryTransport 创建内存传输，size 为每个邮箱的缓冲大小。
func NewMemoryTransport(size int) *MemoryTransport {
	if size <= 0 {
		size = 64
	}
	return &MemoryTransport{
		size:      size,
		mailboxes: make(map[string]chan Envelope),
		done:      make(chan struct{}),
	}
}

func (t *MemoryTransport) mailbox(address string) (chan Envelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	ch, ok := t.mailboxes[address]
	if !ok {
		ch = make(chan Envelope, t.size)
		t.mailboxes[address] = ch
	}
	return ch, nil
}

// Publish 将信封放入目标邮箱。目标尚未订阅时消息会留在缓冲区中。
func (t *MemoryTransport) Publish(ctx context.Context, env Envelope) error {
	if env.Target == "" {
		return transportError(errors.New("empty target"), "投递信封失败")
	}
	ch, err := t.mailbox(env.Target)
	if err != nil {
		return transportError(err, "投递到 %s 失败", env.Target)
	}
	select {
	case <-ctx.Done():
		return transportError(ctx.Err(), "投递到 %s 超时", env.Target)
	case <-t.done:
		return transportError(ErrClosed, "投递到 %s 失败", env.Target)
	case ch <- env:
		return nil
	}
}

// Subscribe 在当前 goroutine 中逐条处理邮箱消息。
func (t *MemoryTransport) Subscribe(ctx context.Context, address string, handler Handler) error {
	ch, err := t.mailbox(address)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return ErrClosed
		case env := <-ch:
			_ = handler(ctx, env)
		}
	}
}

// Close 停止所有订阅。
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

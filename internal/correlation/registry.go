// Package correlation 跟踪尚未完成的请求/响应对，保证每个关联 ID 只被解析一次。
package correlation

import (
	"context"
	"sync"
	"time"

	xerrors "CryptoReason-Chain/internal/errors"
)

// CodeCorrelationTimeout 表示关联请求在截止时间前未得到响应。
const CodeCorrelationTimeout xerrors.Code = "CORRELATION_TIMEOUT"

func init() {
	xerrors.Register(CodeCorrelationTimeout, xerrors.Attributes{
		Message:  "correlated response timed out",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

var (
	// ErrTimeout 表示在截止时间前没有收到响应。
	ErrTimeout = xerrors.New(CodeCorrelationTimeout, "等待关联响应超时")
	// ErrUnknownID 表示关联 ID 未登记或已被释放。
	ErrUnknownID = xerrors.New(xerrors.CodeNotFound, "关联 ID 不存在")
	// ErrDuplicateID 表示关联 ID 已处于等待状态。
	ErrDuplicateID = xerrors.New(xerrors.CodeConflict, "关联 ID 重复登记")
)

type pending[T any] struct {
	done      chan struct{}
	resolved  bool
	response  T
	createdAt time.Time
}

// Registry 保存等待中的请求。解析状态本身是权威的，
// 先 Resolve 后 Await 同样能拿到响应。
type Registry[T any] struct {
	mu      sync.Mutex
	pending map[string]*pending[T]
}

// NewRegistry 创建空的关联表。
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{pending: make(map[string]*pending[T])}
}

// Register 登记一个新的关联 ID。
func (r *Registry[T]) Register(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[id]; exists {
		return xerrors.New(xerrors.CodeConflict, ErrDuplicateID.Message(), xerrors.WithMetadata("correlation_id", id))
	}
	r.pending[id] = &pending[T]{done: make(chan struct{}), createdAt: time.Now()}
	return nil
}

// Resolve 写入响应并唤醒等待方。ID 未知或已经解析时返回 false，
// 调用方据此把消息当作普通消息分发。
func (r *Registry[T]) Resolve(id string, response T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.pending[id]
	if !ok || entry.resolved {
		return false
	}
	entry.resolved = true
	entry.response = response
	close(entry.done)
	return true
}

// Await 阻塞直到响应到达、超时或 ctx 取消。无论结果如何，ID 都会被释放。
func (r *Registry[T]) Await(ctx context.Context, id string, timeout time.Duration) (T, error) {
	var zero T
	r.mu.Lock()
	entry, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return zero, ErrUnknownID
	}
	defer r.Release(id)

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-entry.done:
	case <-timer:
	case <-ctx.Done():
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.resolved {
		return entry.response, nil
	}
	// 释放前先从表中移除，迟到的 Resolve 会返回 false。
	delete(r.pending, id)
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return zero, xerrors.New(CodeCorrelationTimeout, ErrTimeout.Message(),
		xerrors.WithMetadata("correlation_id", id),
		xerrors.WithMetadata("waited", timeout.String()))
}

// Release 丢弃一个关联 ID，不写入任何响应。
func (r *Registry[T]) Release(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Pending 返回仍在等待中的 ID 数量。
func (r *Registry[T]) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

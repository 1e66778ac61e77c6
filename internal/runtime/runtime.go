// Package runtime 是每个智能体进程的外壳：身份、生命周期钩子、定时任务，
// 以及把入站消息按类型标签路由到处理函数的分发表。
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"CryptoReason-Chain/internal/messaging"
	"CryptoReason-Chain/internal/observability/metrics"
	"CryptoReason-Chain/internal/protocol"
	"CryptoReason-Chain/internal/transport"
	"CryptoReason-Chain/pkg/logger"
)

// Identity 在进程启动时确定，之后不可变。Address 即传输层邮箱名。
type Identity struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Handler 处理一条已经通过分发表路由的消息。
type Handler func(ctx context.Context, env transport.Envelope) error

// Hook 是启动或关闭时执行的钩子。
type Hook func(ctx context.Context) error

type intervalJob struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
}

// Runtime 以单消费者的方式串行处理入站消息与定时任务。
// 关联响应在接收路径上直接交给 Messenger，不进入收件箱，
// 因此处理函数内部调用 SendAndAwait 不会阻塞自身。
type Runtime struct {
	identity   Identity
	subscriber transport.Subscriber
	messenger  *messaging.Messenger

	mu       sync.Mutex
	started  bool
	handlers map[string]Handler
	jobs     []intervalJob
	startup  []Hook
	shutdown []Hook

	inbox           chan transport.Envelope
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// Option 定义 Runtime 的可选配置。
type Option func(*Runtime)

// WithInboxSize 设置收件箱缓冲大小。
func WithInboxSize(size int) Option {
	return func(r *Runtime) {
		if size > 0 {
			r.inbox = make(chan transport.Envelope, size)
		}
	}
}

// WithShutdownTimeout 设置关闭钩子的总时限。
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.shutdownTimeout = d
		}
	}
}

// New 创建智能体运行时。
func New(identity Identity, subscriber transport.Subscriber, messenger *messaging.Messenger, opts ...Option) *Runtime {
	r := &Runtime{
		identity:        identity,
		subscriber:      subscriber,
		messenger:       messenger,
		handlers:        make(map[string]Handler),
		inbox:           make(chan transport.Envelope, 256),
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("runtime").With(slog.String("agent", identity.Name)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Identity 返回智能体身份。
func (r *Runtime) Identity() Identity { return r.identity }

// Messenger 返回出站消息组件。
func (r *Runtime) Messenger() *messaging.Messenger { return r.messenger }

// Handle 在分发表中登记处理函数，必须在 Run 之前调用。
func (r *Runtime) Handle(msgType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		panic(fmt.Sprintf("runtime: Handle(%q) called after Run", msgType))
	}
	r.handlers[msgType] = h
}

// On 登记强类型处理函数，payload 自动解码为 T。
func On[T protocol.Message](r *Runtime, fn func(ctx context.Context, env transport.Envelope, msg T) error) {
	var zero T
	r.Handle(zero.MessageType(), func(ctx context.Context, env transport.Envelope) error {
		var msg T
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return fn(ctx, env, msg)
	})
}

// Every 登记定时任务，任务与消息处理在同一个消费协程中串行执行。
func (r *Runtime) Every(name string, interval time.Duration, fn func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, intervalJob{name: name, interval: interval, fn: fn})
}

// OnStartup 登记启动钩子，任一钩子失败则 Run 直接返回。
func (r *Runtime) OnStartup(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startup = append(r.startup, h)
}

// OnShutdown 登记关闭钩子。
func (r *Runtime) OnShutdown(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown = append(r.shutdown, h)
}

// Run 启动接收与消费循环，直到 ctx 结束或订阅失败。
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runtime already started")
	}
	r.started = true
	startup := append([]Hook(nil), r.startup...)
	jobs := append([]intervalJob(nil), r.jobs...)
	r.mu.Unlock()

	for _, hook := range startup {
		if err := hook(ctx); err != nil {
			return fmt.Errorf("启动钩子执行失败: %w", err)
		}
	}
	r.log.Info("智能体已启动", slog.String("address", r.identity.Address))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	subErr := make(chan error, 1)
	go func() {
		subErr <- r.subscriber.Subscribe(ctx, r.identity.Address, r.receive)
	}()

	fire := make(chan int, len(jobs))
	var tickers sync.WaitGroup
	for i, job := range jobs {
		tickers.Add(1)
		go func(idx int, interval time.Duration) {
			defer tickers.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case fire <- idx:
					default:
					}
				}
			}
		}(i, job.interval)
	}

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-subErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				runErr = fmt.Errorf("订阅邮箱 %s 失败: %w", r.identity.Address, err)
			}
			break loop
		case env := <-r.inbox:
			r.dispatch(ctx, env)
		case idx := <-fire:
			jobs[idx].fn(ctx)
		}
	}
	cancel()
	tickers.Wait()
	r.runShutdown()
	return runErr
}

// receive 运行在订阅协程中：关联响应直接交给等待方，其余消息进入收件箱。
func (r *Runtime) receive(ctx context.Context, env transport.Envelope) error {
	if r.messenger != nil && r.messenger.Deliver(env) {
		metrics.Inbound(env.Type, "reply")
		return nil
	}
	select {
	case r.inbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) dispatch(ctx context.Context, env transport.Envelope) {
	r.mu.Lock()
	handler, ok := r.handlers[env.Type]
	r.mu.Unlock()
	if !ok {
		metrics.Inbound(env.Type, "dropped")
		r.log.Warn("没有匹配的处理函数，丢弃消息",
			slog.String("type", env.Type),
			slog.String("sender", env.Sender),
			slog.String("correlation_id", env.CorrelationID))
		return
	}
	metrics.Inbound(env.Type, "dispatch")
	if err := handler(ctx, env); err != nil {
		r.log.Error("处理消息失败",
			slog.String("type", env.Type),
			slog.String("sender", env.Sender),
			slog.Any("error", err))
	}
}

func (r *Runtime) runShutdown() {
	r.mu.Lock()
	hooks := append([]Hook(nil), r.shutdown...)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			r.log.Error("关闭钩子执行失败", slog.Any("error", err))
		}
	}
	r.log.Info("智能体已停止", slog.String("address", r.identity.Address))
}

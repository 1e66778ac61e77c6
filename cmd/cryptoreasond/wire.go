package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"CryptoReason-Chain/internal/config"
	"CryptoReason-Chain/internal/directory"
	"CryptoReason-Chain/internal/escrow"
	"CryptoReason-Chain/internal/ledger"
	"CryptoReason-Chain/internal/llm"
	"CryptoReason-Chain/internal/llm/openai"
	"CryptoReason-Chain/internal/messaging"
	"CryptoReason-Chain/internal/observability/alerting"
	"CryptoReason-Chain/internal/runtime"
	"CryptoReason-Chain/internal/storage/badger"
	"CryptoReason-Chain/internal/storage/mysql"
	"CryptoReason-Chain/internal/transport"
	"CryptoReason-Chain/pkg/logger"
)

// stack 持有一个进程内所有智能体共享的基础设施。
type stack struct {
	cfg *config.Config
	tr  transport.Transport
	dir *directory.Directory

	// chain 非空时，进程内所有内存账本共享同一条链。
	chain  *ledger.MemoryChain
	funded bool

	runtimes []*runtime.Runtime
	services []func(ctx context.Context) error
	closers  []func()
	log      *slog.Logger
}

func newStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	tr, err := openTransport(ctx, cfg.Transport)
	if err != nil {
		return nil, err
	}
	dir, err := openDirectory(cfg.Directory)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	s := &stack{cfg: cfg, tr: tr, dir: dir, log: logger.Named("daemon")}
	s.closers = append(s.closers, func() { _ = tr.Close() })
	return s, nil
}

// openTransport 根据驱动名创建消息传输。
func openTransport(ctx context.Context, cfg config.TransportConfig) (transport.Transport, error) {
	switch cfg.Driver {
	case "memory", "":
		return transport.NewMemoryTransport(cfg.InboxSize), nil
	case "redis":
		return transport.NewRedisTransport(ctx, transport.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Prefix:    cfg.Redis.Prefix,
			BlockWait: cfg.Redis.BlockWait.Duration,
		})
	case "rabbitmq":
		return transport.NewRabbitMQTransport(transport.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Prefix:   cfg.RabbitMQ.Prefix,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("不支持的传输驱动 %q", cfg.Driver)
	}
}

// openDirectory 加载目录文件，再写入配置中的静态条目。
func openDirectory(cfg config.DirectoryConfig) (*directory.Directory, error) {
	dir, err := directory.New(directory.Config{
		Path:         cfg.Path,
		DiscoveryURL: cfg.DiscoveryURL,
		APIKey:       config.Secret(cfg.APIKeyEnv),
		Timeout:      cfg.Timeout.Duration,
	})
	if err != nil {
		return nil, err
	}
	for role, address := range cfg.Entries {
		dir.Register(role, address)
	}
	return dir, nil
}

// agent 创建一个拥有独立身份与邮箱的运行时。
func (s *stack) agent(name, address string) *runtime.Runtime {
	t := s.cfg.Transport
	messenger := messaging.New(address, s.tr, s.dir,
		messaging.WithRetry(t.MaxAttempts, t.RetryDelay.Duration),
		messaging.WithDefaultTimeout(t.DefaultTimeout.Duration),
	)
	rt := runtime.New(runtime.Identity{Address: address, Name: name}, s.tr, messenger,
		runtime.WithInboxSize(t.InboxSize))
	s.runtimes = append(s.runtimes, rt)
	s.log.Info("智能体已装配", slog.String("name", name), slog.String("address", address))
	return rt
}

// shareChain 让后续打开的内存账本共用一条链，单进程多智能体时使用。
func (s *stack) shareChain() {
	if s.chain == nil && strings.EqualFold(s.cfg.Ledger.Driver, "memory") {
		s.chain = ledger.NewMemoryChain(s.cfg.Ledger.Denom)
	}
}

// openLedger 为 wallet 打开账本。共享链上只在第一次打开时注入初始余额。
func (s *stack) openLedger(ctx context.Context, wallet string) (ledger.Ledger, error) {
	lc := s.cfg.Ledger
	if s.chain != nil {
		lc.Wallet = ""
		if s.funded {
			lc.Balances = nil
		}
		s.funded = true
	}
	l, err := ledger.Open(ctx, lc, wallet, s.chain)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, l.Close)
	return l, nil
}

// openEscrowStore 根据驱动名创建托管记录存储。
func (s *stack) openEscrowStore(ctx context.Context) (escrow.Store, error) {
	sc := s.cfg.Escrow.Store
	var (
		store escrow.Store
		err   error
	)
	switch sc.Driver {
	case "memory", "":
		store = escrow.NewMemoryStore()
	case "mysql":
		store, err = mysql.NewEscrowStore(ctx, mysql.Config{
			DSN:             sc.DSN,
			MaxOpenConns:    sc.MaxOpenConns,
			MaxIdleConns:    sc.MaxIdleConns,
			ConnMaxLifetime: sc.ConnMaxLifetime.Duration,
		})
	case "badger":
		store, err = badger.NewEscrowStore(badger.Config{Path: sc.Path})
	default:
		err = fmt.Errorf("不支持的托管存储驱动 %q", sc.Driver)
	}
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() { _ = store.Close() })
	return store, nil
}

// alerts 组装告警分发器：审计日志始终启用，配置了 webhook 时追加。
func (s *stack) alerts() alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := strings.TrimSpace(s.cfg.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(url, s.cfg.Alerting.Timeout.Duration))
	}
	return alerting.NewFanout(notifiers...)
}

// llmClient 根据配置创建大模型客户端。
func (s *stack) llmClient() (llm.Client, error) {
	c := s.cfg.LLM
	switch strings.ToLower(c.Provider) {
	case "openai", "":
		return openai.NewClient(openai.Config{
			APIKey:  config.Secret(c.APIKeyEnv),
			BaseURL: c.BaseURL,
			Model:   c.Model,
			Timeout: c.Timeout.Duration,
		})
	default:
		return nil, fmt.Errorf("不支持的大模型提供方 %q", c.Provider)
	}
}

// serve 登记一个与运行时同生命周期的后台服务。
func (s *stack) serve(fn func(ctx context.Context) error) {
	s.services = append(s.services, fn)
}

// run 启动全部运行时与后台服务，任一失败或 ctx 结束时整体退出。
func (s *stack) run(ctx context.Context) error {
	defer s.close()
	if len(s.runtimes) == 0 {
		return errors.New("没有需要运行的智能体")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range s.runtimes {
		g.Go(func() error { return rt.Run(gctx) })
	}
	for _, fn := range s.services {
		g.Go(func() error { return fn(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		s.log.Info("收到退出信号，已停止")
		return nil
	}
	return err
}

func (s *stack) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	_ = logger.Sync()
}

// addressFor 返回角色的邮箱：优先使用显式配置，其次目录静态条目，最后按角色名生成。
func (s *stack) addressFor(role, configured string) string {
	if configured != "" {
		return configured
	}
	if addr, ok := s.cfg.Directory.Entries[role]; ok && addr != "" {
		return addr
	}
	return "agent://" + strings.ToLower(role)
}

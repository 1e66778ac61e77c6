// Package api 暴露管理接口：立即触发周期、查看会话与台账、查看服务目录、健康检查与指标。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"CryptoReason-Chain/internal/auth"
	"CryptoReason-Chain/internal/directory"
	"CryptoReason-Chain/internal/observability/metrics"
	"CryptoReason-Chain/internal/orchestrator"
	"CryptoReason-Chain/pkg/logger"
)

// Orchestrator 是 API 需要的编排器能力。
type Orchestrator interface {
	Trigger() bool
	Running() bool
	Session() orchestrator.Session
	Transactions() (pending, completed []orchestrator.LedgerEntry)
}

// Directory 返回当前的角色目录。
type Directory interface {
	Entries() []directory.Entry
}

// TriggerResponse 是 POST /api/v1/cycles 的响应。
type TriggerResponse struct {
	Queued  bool `json:"queued"`
	Running bool `json:"running"`
}

// TransactionsResponse 是 GET /api/v1/transactions 的响应。
type TransactionsResponse struct {
	Pending   []orchestrator.LedgerEntry `json:"pending"`
	Completed []orchestrator.LedgerEntry `json:"completed"`
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr string
	orch Orchestrator
	dir  Directory
	auth *auth.Service
	log  *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithAuth 为 /api/v1 路由启用令牌认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// NewServer 构造 API 服务实例，dir 可以为 nil。
func NewServer(addr string, orch Orchestrator, dir Directory, opts ...Option) *Server {
	s := &Server{addr: addr, orch: orch, dir: dir, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	guard := func(h http.HandlerFunc) http.Handler { return h }
	if s.auth != nil {
		mw := s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodGet:  {auth.PermissionReadState},
				http.MethodPost: {auth.PermissionRunCycle},
			},
		})
		guard = func(h http.HandlerFunc) http.Handler { return mw(h) }
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/cycles", observe("cycles", guard(s.handleTrigger)))
	mux.Handle("GET /api/v1/session", observe("session", guard(s.handleSession)))
	mux.Handle("GET /api/v1/transactions", observe("transactions", guard(s.handleTransactions)))
	mux.Handle("GET /api/v1/directory", observe("directory", guard(s.handleDirectory)))
	mux.Handle("GET /healthz", observe("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("管理接口已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}
	queued := s.orch.Trigger()
	s.log.Info("收到立即执行请求", slog.Bool("queued", queued))
	writeJSON(w, http.StatusAccepted, TriggerResponse{Queued: queued, Running: s.orch.Running()})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Session())
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}
	pending, completed := s.orch.Transactions()
	writeJSON(w, http.StatusOK, TransactionsResponse{Pending: pending, Completed: completed})
}

func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	entries := []directory.Entry{}
	if s.dir != nil {
		entries = s.dir.Entries()
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if s.orch != nil {
		status["cycle_running"] = s.orch.Running()
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe 记录每个路由的请求耗时与状态码。
func observe(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

package protocol

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"OpenA2A-Relay/internal/observability/metrics"
	"OpenA2A-Relay/pkg/logger"
)

// Server 负责承载 JSON-RPC 端点,供外部客户端驱动任务执行。
type Server struct {
	addr       string
	dispatcher *Dispatcher
	log        *slog.Logger
}

// ServerOption 配置 Server。
type ServerOption func(*Server)

// WithServerLogger 注入日志记录器。
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// NewServer 构造协议服务实例。
func NewServer(addr string, dispatcher *Dispatcher, opts ...ServerOption) *Server {
	s := &Server{
		addr:       addr,
		dispatcher: dispatcher,
		log:        logger.Named("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 启动 HTTP 服务,直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/a2a", s.dispatcher)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info("协议服务启动", "addr", s.addr)

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

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

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
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

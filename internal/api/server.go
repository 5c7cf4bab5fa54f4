package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"KittyMarket-Chain/internal/auth"
	"KittyMarket-Chain/internal/chain"
	"KittyMarket-Chain/internal/observability/metrics"
	"KittyMarket-Chain/internal/storage/mysql"
	"KittyMarket-Chain/pkg/logger"
)

// EventReader 是事件历史查询接口。
type EventReader interface {
	List(ctx context.Context, query mysql.EventQuery) ([]mysql.EventRecord, error)
}

// Server 负责暴露 REST 与 websocket 接口。
type Server struct {
	addr     string
	runtime  *chain.Runtime
	events   EventReader
	auth     *auth.Service
	limiter  *rate.Limiter
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithAuth 启用身份认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithEventReader 启用事件历史查询。
func WithEventReader(r EventReader) Option {
	return func(s *Server) { s.events = r }
}

// WithSubmitLimit 限制交易提交速率，perSecond 为零时不限制。
func WithSubmitLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, rt *chain.Runtime, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		runtime: rt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	read := s.guard(auth.MiddlewareConfig{Optional: true})
	write := s.guard(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{http.MethodPost: {auth.PermissionSubmit}},
		AuditEvent:          "submit_extrinsic",
	})

	mux.Handle("GET /api/v1/kitties/{id}", s.instrument("kitty", read(http.HandlerFunc(s.handleKitty))))
	mux.Handle("GET /api/v1/accounts/{account}", s.instrument("account", read(http.HandlerFunc(s.handleAccount))))
	mux.Handle("GET /api/v1/listings", s.instrument("listings", read(http.HandlerFunc(s.handleListings))))
	mux.Handle("GET /api/v1/settlements/pending", s.instrument("pending", read(http.HandlerFunc(s.handlePending))))
	mux.Handle("GET /api/v1/prices", s.instrument("prices", read(http.HandlerFunc(s.handlePrices))))
	mux.Handle("GET /api/v1/blocks/head", s.instrument("head", read(http.HandlerFunc(s.handleHead))))
	mux.Handle("GET /api/v1/events", s.instrument("events", read(http.HandlerFunc(s.handleEvents))))
	mux.Handle("POST /api/v1/extrinsics", s.instrument("extrinsics", write(http.HandlerFunc(s.handleSubmit))))
	mux.Handle("POST /api/v1/auth/token", s.instrument("token", http.HandlerFunc(s.handleToken)))
	// websocket 连接需要 Hijacker，不经过审计包装。
	mux.HandleFunc("GET /api/v1/events/stream", s.handleStream)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (s *Server) guard(cfg auth.MiddlewareConfig) func(http.Handler) http.Handler {
	if s.auth == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.auth.Middleware(cfg)
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
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
		if rec.status >= http.StatusInternalServerError {
			s.log.Warn("请求处理失败", slog.String("handler", name), slog.String("status", strconv.Itoa(rec.status)))
		}
	})
}

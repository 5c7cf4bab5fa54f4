package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

type subjectKey struct{}

// WithSubject 把已认证的主体放入请求上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 取出请求的主体，匿名请求返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// MiddlewareConfig 配置认证中间件。
type MiddlewareConfig struct {
	// RequiredPermissions 按 HTTP 方法声明所需权限，"*" 作为缺省项。
	RequiredPermissions map[string][]string
	// Optional 为 true 时放行未携带令牌的请求。
	Optional bool
	// AuditEvent 是审计日志中的事件名，缺省为请求路径。
	AuditEvent string
}

func (c MiddlewareConfig) permissionsFor(method string) []string {
	if perms, ok := c.RequiredPermissions[method]; ok && len(perms) > 0 {
		return perms
	}
	return c.RequiredPermissions["*"]
}

// Middleware 认证请求、检查权限，并为每个放行的请求写一条审计日志。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s.Mode() == ModeDisabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			switch {
			case errors.Is(err, ErrMissingToken) && cfg.Optional:
				next.ServeHTTP(w, r)
				return
			case errors.Is(err, ErrSubjectRevoked):
				s.deny(w, r, http.StatusForbidden, "access_denied", err)
				return
			case err != nil:
				s.deny(w, r, http.StatusUnauthorized, "access_denied", err)
				return
			}
			if err := subject.Authorize(cfg.permissionsFor(r.Method)...); err != nil {
				s.deny(w, r, http.StatusForbidden, "permission_denied", err, slog.String("account", subject.Account.Hex()))
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(WithSubject(r.Context(), subject)))

			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("api_request",
				slog.String("event", event),
				slog.String("method", r.Method),
				slog.Int("status", rec.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("account", subject.Account.Hex()),
			)
		})
	}
}

// deny 写入 JSON 错误体，格式与 API 层的错误响应一致。
func (s *Service) deny(w http.ResponseWriter, r *http.Request, status int, event string, err error, attrs ...any) {
	code := "UNAUTHENTICATED"
	if status == http.StatusForbidden {
		code = "PERMISSION_DENIED"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": err.Error()})

	attrs = append(attrs,
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	s.audit.Warn(event, attrs...)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

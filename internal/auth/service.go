package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"KittyMarket-Chain/pkg/logger"
)

const (
	grantTypePassword = "password"
	defaultAccessTTL  = time.Hour
)

// seedWriter 由支持写入初始调用方的存储实现。
type seedWriter interface {
	ApplySeed(context.Context, Seed) error
}

// Service 把 HTTP 请求中的 Bearer 令牌解析为链上账户。
type Service struct {
	mode   Mode
	store  Store
	tokens *tokenIssuer
	audit  *slog.Logger
}

// NewService 按模式校验配置并写入初始调用方。
func NewService(ctx context.Context, cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, store: store, audit: logger.Audit()}
	if mode == ModeDisabled {
		return svc, nil
	}
	if mode != ModeToken && mode != ModeJWT {
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
	if store == nil {
		return nil, fmt.Errorf("%s mode requires a subject store", mode)
	}
	if mode == ModeJWT {
		issuer, err := newTokenIssuer(cfg.JWT)
		if err != nil {
			return nil, err
		}
		svc.tokens = issuer
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if writer, ok := store.(seedWriter); ok {
		for _, seed := range cfg.Seeds {
			if err := writer.ApplySeed(ctx, seed); err != nil {
				return nil, fmt.Errorf("apply seed %s: %w", seed.Name, err)
			}
		}
	}
	return svc, nil
}

// Mode 返回当前工作模式，nil 服务视为关闭。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Authenticate 校验账户口令并签发访问令牌，仅 jwt 模式可用。
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if s.Mode() != ModeJWT {
		return nil, ErrDisabled
	}
	if grant := strings.ToLower(strings.TrimSpace(req.GrantType)); grant != "" && grant != grantTypePassword {
		return nil, ErrUnsupportedGrant
	}
	cred, err := s.store.FindByName(ctx, strings.TrimSpace(req.Name))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if cred.Disabled {
		return nil, ErrSubjectRevoked
	}
	if !checkPassword(cred.PasswordHash, req.Password) {
		return nil, ErrInvalidCredentials
	}
	subject, err := s.store.LoadSubject(ctx, cred.Account)
	if err != nil {
		return nil, fmt.Errorf("load subject: %w", err)
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}

	token, ttl, err := s.tokens.issue(subject)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken: token,
		ExpiresIn:   int64(ttl / time.Second),
		TokenType:   "Bearer",
		Account:     subject.Account.Hex(),
		Subject:     subject.Clone(),
	}, nil
}

// AuthenticateRequest 解析 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if s.Mode() == ModeDisabled {
		return nil, ErrDisabled
	}
	token, ok := bearerToken(authorization)
	if !ok {
		return nil, ErrMissingToken
	}

	var subject *Subject
	switch s.mode {
	case ModeToken:
		found, err := s.store.FindByToken(ctx, token)
		if err != nil {
			return nil, ErrInvalidToken
		}
		subject = found
	case ModeJWT:
		account, err := s.tokens.verify(token)
		if err != nil {
			return nil, err
		}
		found, err := s.store.LoadSubject(ctx, account)
		if err != nil {
			return nil, ErrInvalidToken
		}
		subject = found
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	return subject, nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

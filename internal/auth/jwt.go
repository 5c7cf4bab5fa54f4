package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v4"

	"KittyMarket-Chain/internal/primitives"
)

// accountClaims 是访问令牌携带的声明，账户写在 sub 中。
type accountClaims struct {
	jwt.RegisteredClaims
	Name        string   `json:"name,omitempty"`
	Permissions []string `json:"perms,omitempty"`
}

// tokenIssuer 以 HS256 签发和校验访问令牌。
type tokenIssuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func newTokenIssuer(opts JWTOptions) (*tokenIssuer, error) {
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, ErrWeakSecret
	}
	ttl := time.Duration(opts.AccessTTL) * time.Second
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}
	return &tokenIssuer{key: []byte(opts.Secret), issuer: opts.Issuer, ttl: ttl, now: time.Now}, nil
}

func (t *tokenIssuer) issue(subject *Subject) (string, time.Duration, error) {
	now := t.now()
	claims := accountClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.Account.Hex(),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		Name:        subject.Name,
		Permissions: subject.Permissions,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", 0, fmt.Errorf("sign access token: %w", err)
	}
	return signed, t.ttl, nil
}

// verify 返回令牌绑定的账户。签名、签发者或有效期不符时返回 ErrInvalidToken。
// 时间校验使用 t.now，因此跳过库内基于全局时钟的校验。
func (t *tokenIssuer) verify(token string) (primitives.AccountID, error) {
	var claims accountClaims
	_, err := jwt.ParseWithClaims(token, &claims, t.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return primitives.AccountID{}, ErrInvalidToken
	}
	if !claims.VerifyExpiresAt(t.now(), true) {
		return primitives.AccountID{}, ErrInvalidToken
	}
	if t.issuer != "" && !claims.VerifyIssuer(t.issuer, true) {
		return primitives.AccountID{}, ErrInvalidToken
	}
	if !common.IsHexAddress(claims.Subject) {
		return primitives.AccountID{}, ErrInvalidToken
	}
	return common.HexToAddress(claims.Subject), nil
}

func (t *tokenIssuer) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	return t.key, nil
}

// Package auth проверяет bearer-токены, выданные внешним сервисом аутентификации.
// Выпуск токенов здесь есть только для локального запуска и нагрузочного теста.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Role задаёт роль пользователя маркетплейса.
type Role string

const (
	RoleConsumer Role = "consumer"
	RoleProducer Role = "producer"
)

// Valid сообщает, что роль известна.
func (r Role) Valid() bool {
	return r == RoleConsumer || r == RoleProducer
}

// Principal описывает аутентифицированного пользователя запроса.
type Principal struct {
	UserID string
	Role   Role
}

// Claims содержит полезную нагрузку токена: sub и role.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

const defaultIssuer = "marketplace"

// Verifier проверяет HS256-токены общим секретом.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier создаёт проверку токенов. Пустой секрет недопустим.
func NewVerifier(secret string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Verifier{secret: []byte(secret), issuer: defaultIssuer, now: time.Now}, nil
}

// Verify разбирает токен и возвращает Principal. Любая ошибка разбора
// превращается в domain.ErrUnauthenticated.
func (v *Verifier) Verify(token string) (Principal, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !parsed.Valid {
		return Principal{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", domain.ErrUnauthenticated)
	}
	if !claims.Role.Valid() {
		return Principal{}, fmt.Errorf("%w: unknown role %q", domain.ErrUnauthenticated, claims.Role)
	}
	return Principal{UserID: claims.Subject, Role: claims.Role}, nil
}

// Issue выпускает токен на ttl.
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

type principalKey struct{}

// WithPrincipal кладёт Principal в контекст запроса.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext достаёт Principal из контекста.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// BearerToken извлекает токен из заголовка Authorization.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

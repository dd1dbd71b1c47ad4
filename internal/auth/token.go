package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/repository"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

type Claims struct {
	jwt.RegisteredClaims
}

// TokenManager signs and verifies HS256 tokens whose subject is a username.
type TokenManager struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewTokenManager(secret, issuer string) *TokenManager {
	return &TokenManager{secret: []byte(secret), issuer: issuer, now: time.Now}
}

func (m *TokenManager) Issue(username string, ttl time.Duration) (string, error) {
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Parse verifies signature and expiry. Tokens that are not JWTs at all return
// jwt.ErrTokenMalformed.
func (m *TokenManager) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithExpirationRequired())

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, jwt.ErrTokenMalformed
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		default:
			return nil, ErrInvalidToken
		}
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// TokenStrategy authenticates signed tokens whose subject names a user.
type TokenStrategy struct {
	tokens *TokenManager
	store  repository.PrincipalStore
}

func NewTokenStrategy(tokens *TokenManager, store repository.PrincipalStore) *TokenStrategy {
	return &TokenStrategy{tokens: tokens, store: store}
}

func (s *TokenStrategy) Name() string { return "token" }

func (s *TokenStrategy) Authenticate(ctx context.Context, credential string) Result {
	claims, err := s.tokens.Parse(credential)
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return Skip()
	case errors.Is(err, ErrExpiredToken):
		return Rejected("token has expired")
	case err != nil:
		return Rejected("token is invalid")
	}

	if claims.Subject == "" {
		return Rejected("token has no subject")
	}

	user, err := s.store.GetUserByUsername(ctx, claims.Subject)
	if errors.Is(err, domain.ErrUserNotFound) {
		return Rejected("token subject not found")
	}
	if err != nil {
		return Failed(fmt.Errorf("token subject lookup: %w", err))
	}
	if !user.IsActive {
		return Rejected("user is inactive")
	}

	return Resolved(domain.NewPrincipal(user.ID, nil))
}

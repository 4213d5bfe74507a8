// Package auth guards the operator dashboard: the operator exchanges the API
// key for a short-lived JWT, and every API/WS request presents that token.
// Single operator, no users, no refresh tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
)

var (
	ErrInvalidAPIKey = errors.New("auth: invalid api key")
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrTokenExpired  = errors.New("auth: token expired")
)

const subject = "operator"

// Service verifies the operator API key against its bcrypt hash and mints
// HS256 bearer tokens.
type Service struct {
	secret     []byte
	apiKeyHash []byte
	duration   time.Duration
	now        func() time.Time
}

func NewService(cfg config.AuthConfig) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("auth: jwt secret not configured")
	}
	if cfg.APIKeyHash == "" {
		return nil, fmt.Errorf("auth: api key hash not configured")
	}
	duration := cfg.TokenDuration
	if duration <= 0 {
		duration = time.Hour
	}
	return &Service{
		secret:     []byte(cfg.JWTSecret),
		apiKeyHash: []byte(cfg.APIKeyHash),
		duration:   duration,
		now:        time.Now,
	}, nil
}

// SetNow injects a deterministic clock.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}

// IssueToken exchanges the operator API key for a signed token. The key is
// compared against the stored bcrypt hash; a mismatch returns
// ErrInvalidAPIKey without detail.
func (s *Service) IssueToken(apiKey string) (token string, expiresIn int64, err error) {
	if err := bcrypt.CompareHashAndPassword(s.apiKeyHash, []byte(apiKey)); err != nil {
		return "", 0, ErrInvalidAPIKey
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.duration)),
		Issuer:    "kraken-autotrade",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", 0, fmt.Errorf("signing token: %w", err)
	}
	return signed, int64(s.duration.Seconds()), nil
}

// ValidateToken checks signature, expiry and subject.
func (s *Service) ValidateToken(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrInvalidToken
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject != subject {
		return ErrInvalidToken
	}
	return nil
}

// HashAPIKey produces the bcrypt hash to store in configuration. Used by
// operators when rotating the key.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}
	return string(hash), nil
}

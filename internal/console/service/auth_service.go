package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// TokenSigner выпускает токен оператора (auth.Keys).
type TokenSigner interface {
	Sign(op domain.Operator, ttl time.Duration, now time.Time) (string, time.Time, error)
}

type AuthService struct {
	mu        sync.RWMutex
	operators map[string]domain.Operator // по username
	signer    TokenSigner
	ttl       time.Duration
	now       func() time.Time
}

func NewAuthService(operators []domain.Operator, signer TokenSigner, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	s := &AuthService{signer: signer, ttl: ttl, now: time.Now}
	s.SetOperators(operators)
	return s
}

// SetOperators заменяет список операторов (после reload конфига).
func (s *AuthService) SetOperators(operators []domain.Operator) {
	byName := make(map[string]domain.Operator, len(operators))
	for _, op := range operators {
		byName[op.Username] = op
	}
	s.mu.Lock()
	s.operators = byName
	s.mu.Unlock()
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	s.mu.RLock()
	op, ok := s.operators[username]
	s.mu.RUnlock()
	if !ok || op.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	token, expiresAt, err := s.signer.Sign(op, s.ttl, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(expiresAt.Sub(now).Seconds()),
	}, nil
}

package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/agentguard/internal/domain"
	"github.com/xela07ax/agentguard/internal/infra/auth"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type AuthService struct {
	*auth.BaseValidator
	operators  map[string]domain.Operator
	privateKey *rsa.PrivateKey
	ttl        time.Duration
	// Хэш-заглушка: неизвестный логин тратит на проверку столько же времени
	dummyHash []byte
	now       func() time.Time
}

func NewAuthService(operators []domain.Operator, privateKey *rsa.PrivateKey, ttl time.Duration, bcryptCost int) (*AuthService, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte("agentguard-dummy"), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	byName := make(map[string]domain.Operator, len(operators))
	for _, op := range operators {
		byName[op.Username] = op
	}

	return &AuthService{
		BaseValidator: auth.NewBaseValidator(&privateKey.PublicKey),
		operators:     byName,
		privateKey:    privateKey,
		ttl:           ttl,
		dummyHash:     dummy,
		now:           time.Now,
	}, nil
}

func (s *AuthService) GenerateToken(_ context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация (источник правды — операторы из конфига)
	op, ok := s.operators[username]
	hash := s.dummyHash
	if ok {
		hash = []byte(op.PasswordHash)
	}

	// 2. Проверка пароля (bcrypt)
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !ok {
		return nil, ErrInvalidCredentials
	}

	// 3. Формирование Claims
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := &domain.CustomClaims{
		UserID: op.Username,
		Scopes: op.ScopeSet(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    auth.Issuer,
			Subject:   op.Username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	// 4. Подпись токена ЗАКРЫТЫМ КЛЮЧОМ (RS256)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signedToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
	}, nil
}

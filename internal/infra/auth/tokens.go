package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
)

const tokenIssuer = "fleet-orchestrator"

// Keys: пара RS256. Для проверки достаточно публичного ключа,
// выпуск токенов доступен только при наличии приватного.
type Keys struct {
	public  *rsa.PublicKey
	private *rsa.PrivateKey
}

// LoadKeys разбирает PEM. privatePEM может быть пустым: тогда Keys только проверяет.
func LoadKeys(publicPEM, privatePEM []byte) (*Keys, error) {
	k := &Keys{}
	if len(privatePEM) > 0 {
		priv, err := jwt.ParseRSAPrivateKeyFromPEM(privatePEM)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		k.private = priv
		k.public = &priv.PublicKey
	}
	if len(publicPEM) > 0 {
		pub, err := jwt.ParseRSAPublicKeyFromPEM(publicPEM)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		k.public = pub
	}
	if k.public == nil {
		return nil, errors.New("no RSA key material configured")
	}
	return k, nil
}

// NewKeys: для тестов и встраивания с уже готовым ключом.
func NewKeys(private *rsa.PrivateKey) *Keys {
	return &Keys{public: &private.PublicKey, private: private}
}

func (k *Keys) CanSign() bool {
	return k.private != nil
}

// Sign выпускает токен оператора.
func (k *Keys) Sign(op domain.Operator, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if k.private == nil {
		return "", time.Time{}, errors.New("token signing is not configured")
	}
	expiresAt := now.Add(ttl)
	claims := &domain.OperatorClaims{
		OperatorID: op.ID,
		Scopes:     op.ScopeSet(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   op.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(k.private)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyToken реализует TokenValidator. Принимает как "Bearer <jwt>", так и голый jwt.
func (k *Keys) VerifyToken(tokenStr string) (*domain.OperatorClaims, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))

	claims := &domain.OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return k.public, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

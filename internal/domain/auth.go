package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// Скоупы операторов ops API.
const (
	ScopeRead    = "fleet.read"
	ScopeControl = "fleet.control"
)

type OperatorClaims struct {
	OperatorID string          `json:"operator_id"`
	Scopes     map[string]bool `json:"scopes"` // "fleet.read": true, "fleet.control": true
	jwt.RegisteredClaims
}

// HasScope: "admin" открывает всё.
func (c *OperatorClaims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	return c.Scopes["admin"] || c.Scopes[scope]
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

// Operator: учетка оператора из конфигурации.
type Operator struct {
	ID           string   `mapstructure:"id"`
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash"` // bcrypt, никогда не отдаем наружу
	Scopes       []string `mapstructure:"scopes"`
}

func (o Operator) ScopeSet() map[string]bool {
	set := make(map[string]bool, len(o.Scopes))
	for _, s := range o.Scopes {
		set[s] = true
	}
	return set
}

package domain

import (
	"fmt"
	"strings"
	"time"
)

type Transport string

const (
	TransportHTTP   Transport = "http"
	TransportHTTPS  Transport = "https"
	TransportSOCKS5 Transport = "socks5"
)

// ParseTransport нормализует тип транспорта, пустое значение: http.
func ParseTransport(raw string) (Transport, error) {
	switch t := Transport(strings.ToLower(strings.TrimSpace(raw))); t {
	case "":
		return TransportHTTP, nil
	case TransportHTTP, TransportHTTPS, TransportSOCKS5:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported transport %q", raw)
	}
}

// Endpoint: арендуемая точка выхода в сеть (прокси).
type Endpoint struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Transport Transport `json:"transport"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"-"`

	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`

	Assigned            int        `json:"assigned"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"` // nil: ни разу не выдавался
}

// ID задает идентичность точки: транспорт + хост + порт.
func (e Endpoint) ID() string {
	return fmt.Sprintf("%s://%s:%d", e.Transport, e.Host, e.Port)
}

// Validate проверяет кандидата перед добавлением в пул.
func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("port %d out of range", e.Port)
	}
	if _, err := ParseTransport(string(e.Transport)); err != nil {
		return err
	}
	return nil
}

// Lease: выданная сессии аренда точки.
type Lease struct {
	EndpointID string    `json:"endpoint_id"`
	SessionID  string    `json:"session_id"`
	Endpoint   Endpoint  `json:"endpoint"`
	IssuedAt   time.Time `json:"issued_at"`
}

// PoolStats: агрегат по пулу.
type PoolStats struct {
	Total         int `json:"total"`
	Healthy       int `json:"healthy"`
	Unhealthy     int `json:"unhealthy"`
	TotalAssigned int `json:"total_assigned"`
}

package domain

import "time"

// Summary: агрегат по всем сессиям (история + live).
type Summary struct {
	Total         int                  `json:"total"`
	Live          int                  `json:"live"`
	ByState       map[SessionState]int `json:"by_state"`
	Successes     int64                `json:"successes"`
	Failures      int64                `json:"failures"`
	LoginAttempts int64                `json:"login_attempts"`
	Errors        int                  `json:"errors"`
	ActiveTime    time.Duration        `json:"active_time"`
	// Degraded: история недоступна, отчет построен только по live.
	Degraded bool   `json:"degraded,omitempty"`
	Warning  string `json:"warning,omitempty"`
}

// Report: снимок счетчиков рекордера.
type Report struct {
	Counters    map[EventKind]int64 `json:"counters"`
	SuccessRate float64             `json:"success_rate"`
	Uptime      time.Duration       `json:"uptime"`
	StartedAt   time.Time           `json:"started_at"`
	Alerts      int64               `json:"alerts"`
}

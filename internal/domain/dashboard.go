package domain

import "time"

type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// ComponentHealth: состояние одной подсистемы в сводном отчете.
type ComponentHealth struct {
	Status HealthStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}

// HealthReport: сводный отчет. Строится всегда, даже при деградации подсистем.
type HealthReport struct {
	Status      HealthStatus               `json:"status"`
	GeneratedAt time.Time                  `json:"generated_at"`
	Components  map[string]ComponentHealth `json:"components"`

	Shift     string    `json:"shift"`
	Target    int       `json:"target"`
	Active    int       `json:"active"`
	Pool      PoolStats `json:"pool"`
	Summary   Summary   `json:"summary"`
	Report    Report    `json:"report"`
	IsLeader  bool      `json:"is_leader"`
	Accepting bool      `json:"accepting"`
}

// Worsen поднимает общий статус, но никогда не понижает его.
func (h *HealthReport) Worsen(component string, status HealthStatus, detail string) {
	if h.Components == nil {
		h.Components = make(map[string]ComponentHealth)
	}
	h.Components[component] = ComponentHealth{Status: status, Detail: detail}
	if severity(status) > severity(h.Status) {
		h.Status = status
	}
}

func severity(s HealthStatus) int {
	switch s {
	case HealthCritical:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}

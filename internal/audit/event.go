package audit

import (
	"time"

	"github.com/xela07ax/fleet-orchestrator/internal/domain"
)

// Event описывает неизменяемую запись журнала: что случилось, с кем и когда.
type Event struct {
	ID        string           `json:"id"`
	At        time.Time        `json:"at"`
	SubjectID string           `json:"subject_id"` // id сессии или точки выхода
	Kind      domain.EventKind `json:"kind"`
	Critical  bool             `json:"critical"`
	Detail    map[string]any   `json:"detail,omitempty"`
}

// CopyDetail: detail снимается копией, чтобы вызывающий не мог мутировать событие задним числом.
func CopyDetail(detail map[string]any) map[string]any {
	if len(detail) == 0 {
		return nil
	}
	out := make(map[string]any, len(detail))
	for k, v := range detail {
		out[k] = v
	}
	return out
}

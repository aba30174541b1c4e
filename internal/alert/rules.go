package alert

import (
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
)

// Rules решает, поднимать ли алерт по событию. Доставкой занимается Sink.
type Rules struct {
	critical map[domain.EventKind]struct{}
}

// NewRules строит набор критичных видов. Пустой список: domain.DefaultCriticalEvents.
func NewRules(kinds []string) *Rules {
	r := &Rules{critical: make(map[domain.EventKind]struct{})}
	if len(kinds) == 0 {
		for _, k := range domain.DefaultCriticalEvents {
			r.critical[k] = struct{}{}
		}
		return r
	}
	for _, k := range kinds {
		r.critical[domain.EventKind(k)] = struct{}{}
	}
	return r
}

// IsCritical: вид из критичного набора либо detail["is_critical"] == true.
func (r *Rules) IsCritical(kind domain.EventKind, detail map[string]any) bool {
	if _, ok := r.critical[kind]; ok {
		return true
	}
	if detail == nil {
		return false
	}
	// флаг может прийти как bool или как строка из внешнего драйвера
	switch v := detail[domain.DetailCritical].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

func (r *Rules) Kinds() []domain.EventKind {
	out := make([]domain.EventKind, 0, len(r.critical))
	for k := range r.critical {
		out = append(out, k)
	}
	return out
}

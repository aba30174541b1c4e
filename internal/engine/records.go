package engine

import (
	"sort"

	"github.com/xela07ax/fleet-orchestrator/internal/domain"
)

// MergeRecords сводит историю и live-набор. Правило приоритета: live перекрывает
// сохраненную запись с тем же id. Результат отсортирован по id, каждая сессия ровно один раз.
func MergeRecords(persisted, live []*domain.Session) []*domain.Session {
	byID := make(map[string]*domain.Session, len(persisted)+len(live))
	for _, s := range persisted {
		if s != nil {
			byID[s.ID] = s
		}
	}
	for _, s := range live {
		if s != nil {
			byID[s.ID] = s
		}
	}
	out := make([]*domain.Session, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summarize считает агрегаты по уже сведенному набору.
func Summarize(records []*domain.Session, live int) domain.Summary {
	sum := domain.Summary{
		Total:   len(records),
		Live:    live,
		ByState: make(map[domain.SessionState]int),
	}
	for _, s := range records {
		sum.ByState[s.State]++
		sum.Successes += s.Stats.Successes
		sum.Failures += s.Stats.Failures
		sum.LoginAttempts += s.Stats.LoginAttempts
		sum.Errors += len(s.Stats.Errors)
		sum.ActiveTime += s.Stats.ActiveTime
	}
	return sum
}

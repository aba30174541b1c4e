package domain

import "time"

// SessionSchemaVersion: версия схемы персистентной записи сессии.
// Повышается при любом несовместимом изменении полей Session.
const SessionSchemaVersion = 1

type SessionState string

const (
	StateInitializing SessionState = "initializing"
	StateRunning      SessionState = "running"
	StateIdle         SessionState = "idle"
	StatePaused       SessionState = "paused"
	StateUnhealthy    SessionState = "unhealthy"  // не прошла проверку здоровья (heartbeat)
	StateRestarting   SessionState = "restarting" // старая запись при перезапуске, в live не возвращается
	StateCompleted    SessionState = "completed"
	StateFailed       SessionState = "failed"
	StateStopped      SessionState = "stopped"
)

// IsTerminal: из терминального состояния переходов нет.
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateStopped:
		return true
	}
	return false
}

// IsActive отмечает "операционно активную" сессию, которая ещё не завершена и не списана при рестарте.
func (s SessionState) IsActive() bool {
	return !s.IsTerminal() && s != StateRestarting
}

// IsKnown сообщает, что состояние входит в автомат.
func (s SessionState) IsKnown() bool {
	_, ok := transitions[s]
	return ok
}

// AllStates в стабильном порядке (для отчетов).
var AllStates = []SessionState{
	StateInitializing, StateRunning, StateIdle, StatePaused, StateUnhealthy,
	StateRestarting, StateCompleted, StateFailed, StateStopped,
}

var transitions = map[SessionState][]SessionState{
	StateInitializing: {StateRunning, StateUnhealthy, StateRestarting, StateFailed, StateStopped},
	StateRunning:      {StateIdle, StatePaused, StateUnhealthy, StateRestarting, StateCompleted, StateFailed, StateStopped},
	StateIdle:         {StateRunning, StatePaused, StateUnhealthy, StateRestarting, StateCompleted, StateFailed, StateStopped},
	StatePaused:       {StateRunning, StateIdle, StateUnhealthy, StateRestarting, StateCompleted, StateFailed, StateStopped},
	StateUnhealthy:    {StateRunning, StateRestarting, StateCompleted, StateFailed, StateStopped},
	StateRestarting:   {},
	StateCompleted:    {},
	StateFailed:       {},
	StateStopped:      {},
}

// CanTransition проверяет переход по таблице автомата.
// Повторное выставление того же нетерминального состояния разрешено (обновление reason).
func CanTransition(from, to SessionState) bool {
	if from.IsTerminal() || from == StateRestarting {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ScheduleWindow: плановое окно работы сессии.
type ScheduleWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ErrorRecord: одна ошибка в истории сессии.
type ErrorRecord struct {
	At       time.Time `json:"at"`
	Message  string    `json:"message"`
	Activity string    `json:"activity"`
	Critical bool      `json:"critical"`
}

// SessionStats: накопительная статистика. Счетчики только растут (кроме явного сброса).
type SessionStats struct {
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	LoginAttempts int64         `json:"login_attempts"`
	ActiveTime    time.Duration `json:"active_time"`
	Errors        []ErrorRecord `json:"errors"`
}

// StatsDelta: приращение статистики от коллаборатора автоматизации.
type StatsDelta struct {
	Successes     int64
	Failures      int64
	LoginAttempts int64
}

// Apply добавляет приращение. Отрицательные значения игнорируются.
func (s *SessionStats) Apply(d StatsDelta) {
	if d.Successes > 0 {
		s.Successes += d.Successes
	}
	if d.Failures > 0 {
		s.Failures += d.Failures
	}
	if d.LoginAttempts > 0 {
		s.LoginAttempts += d.LoginAttempts
	}
}

type Session struct {
	SchemaVersion int            `json:"schema_version"`
	ID            string         `json:"id"`
	AccountRef    string         `json:"account_ref"`
	EndpointID    string         `json:"endpoint_id,omitempty"` // пусто: лиза нет
	ProfileRef    string         `json:"profile_ref"`
	State         SessionState   `json:"state"`
	StateReason   string         `json:"state_reason,omitempty"`
	Window        ScheduleWindow `json:"window"`
	Stats         SessionStats   `json:"stats"`

	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
	RunningSince    *time.Time    `json:"running_since,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	Duration        time.Duration `json:"duration"`

	// Revision растет на каждой мутации, по ней отбрасываются устаревшие записи в хранилище.
	Revision uint64 `json:"revision"`
}

// Clone делает глубокую копию, наружу из менеджера отдаются только копии.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Stats.Errors != nil {
		c.Stats.Errors = make([]ErrorRecord, len(s.Stats.Errors))
		copy(c.Stats.Errors, s.Stats.Errors)
	}
	if s.RunningSince != nil {
		t := *s.RunningSince
		c.RunningSince = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// SetState меняет состояние и учитывает активное время: интервал в running
// закрывается при выходе из него.
func (s *Session) SetState(next SessionState, reason string, now time.Time) {
	if s.State == StateRunning && next != StateRunning && s.RunningSince != nil {
		s.Stats.ActiveTime += now.Sub(*s.RunningSince)
		s.RunningSince = nil
	}
	if next == StateRunning && s.RunningSince == nil {
		t := now
		s.RunningSince = &t
	}
	s.State = next
	s.StateReason = reason
	s.Touch(now)
}

// Touch фиксирует мутацию.
func (s *Session) Touch(now time.Time) {
	s.UpdatedAt = now
	s.Revision++
}

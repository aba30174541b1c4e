package domain

// RunRequest: все, что коллаборатор автоматизации получает о сессии.
type RunRequest struct {
	SessionID  string
	AccountRef string
	ProfileRef string
	Lease      *Lease // nil: сессия без точки выхода
	Window     ScheduleWindow
}

// Outcome: терминальный результат прогона. State: completed | failed | stopped.
// Stats: только то, что не было передано через ProgressReporter.Progress.
type Outcome struct {
	State  SessionState
	Reason string
	Stats  StatsDelta
}

// ProgressReporter: обратный канал от прогона к менеджеру сессий.
// Все методы безопасны для вызова из горутины прогона.
type ProgressReporter interface {
	Heartbeat()
	Progress(delta StatsDelta)
	Error(message, activity string, critical bool)
	State(state SessionState, reason string)
	// EndpointFailed сообщает о сбое текущей точки и возвращает замену (или ErrNoEndpointAvailable).
	EndpointFailed() (*Lease, error)
}

// Profile: параметры поведения, выданные генератором профилей.
type Profile struct {
	Ref    string
	Window ScheduleWindow
}

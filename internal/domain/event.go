package domain

type EventKind string

const (
	EventSessionCreated      EventKind = "session_created"
	EventSessionCreateFailed EventKind = "session_create_failed"
	EventStatusChanged       EventKind = "status_changed"
	EventHeartbeat           EventKind = "heartbeat"
	EventErrorRecorded       EventKind = "error_recorded"
	EventSessionCompleted    EventKind = "session_completed"
	EventSessionFailed       EventKind = "session_failed"
	EventSessionStopped      EventKind = "session_stopped"
	EventSessionRestarted    EventKind = "session_restarted"
	EventSessionUnhealthy    EventKind = "session_unhealthy"
	EventSessionRecovered    EventKind = "session_recovered"

	EventPoolInitialized   EventKind = "pool_initialized"
	EventPoolExhausted     EventKind = "pool_exhausted"
	EventEndpointFailure   EventKind = "endpoint_failure"
	EventEndpointRecovered EventKind = "endpoint_recovered"
	EventEndpointEvicted   EventKind = "endpoint_evicted"
	EventEndpointReplaced  EventKind = "endpoint_replaced"

	EventShiftChanged EventKind = "shift_changed"
	EventPolicyGap    EventKind = "policy_gap"
	EventReconciled   EventKind = "reconciled"
)

// DetailCritical: ключ в detail, форсирующий алерт независимо от вида события.
const DetailCritical = "is_critical"

// EndedEventKind: вид события завершения сессии по финальному состоянию.
func EndedEventKind(state SessionState) EventKind {
	switch state {
	case StateCompleted:
		return EventSessionCompleted
	case StateFailed:
		return EventSessionFailed
	case StateRestarting:
		return EventSessionRestarted
	default:
		return EventSessionStopped
	}
}

// DefaultCriticalEvents: события, по которым алерт поднимается всегда.
var DefaultCriticalEvents = []EventKind{
	EventEndpointEvicted,
	EventPoolExhausted,
}

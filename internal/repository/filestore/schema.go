package filestore

import (
	"fmt"
	"time"

	"github.com/xela07ax/fleet-orchestrator/internal/domain"
)

// recordSchema: TOML-представление записи сессии. Длительности храним в наносекундах,
// чтобы round-trip не терял точность. Необязательные моменты времени лежат как
// time.Time, нулевое значение значит "не задано": указатели go-toml не читает.
type recordSchema struct {
	SchemaVersion   int          `toml:"schema_version"`
	ID              string       `toml:"id"`
	AccountRef      string       `toml:"account_ref"`
	EndpointID      string       `toml:"endpoint_id,omitempty"`
	ProfileRef      string       `toml:"profile_ref"`
	State           string       `toml:"state"`
	StateReason     string       `toml:"state_reason,omitempty"`
	CreatedAt       time.Time    `toml:"created_at"`
	UpdatedAt       time.Time    `toml:"updated_at"`
	LastHeartbeatAt time.Time    `toml:"last_heartbeat_at"`
	RunningSince    time.Time    `toml:"running_since"`
	EndedAt         time.Time    `toml:"ended_at"`
	DurationNanos   int64        `toml:"duration_ns"`
	Revision        uint64       `toml:"revision"`
	Window          windowSchema `toml:"window"`
	Stats           statsSchema  `toml:"stats"`
}

type windowSchema struct {
	Start time.Time `toml:"start"`
	End   time.Time `toml:"end"`
}

type statsSchema struct {
	Successes       int64         `toml:"successes"`
	Failures        int64         `toml:"failures"`
	LoginAttempts   int64         `toml:"login_attempts"`
	ActiveTimeNanos int64         `toml:"active_time_ns"`
	Errors          []errorSchema `toml:"errors,omitempty"`
}

type errorSchema struct {
	At       time.Time `toml:"at"`
	Message  string    `toml:"message"`
	Activity string    `toml:"activity"`
	Critical bool      `toml:"critical"`
}

func (s recordSchema) validateVersion() error {
	if s.SchemaVersion > domain.SessionSchemaVersion {
		return fmt.Errorf("unsupported session schema version %d (current %d)", s.SchemaVersion, domain.SessionSchemaVersion)
	}
	return nil
}

func toSchema(s *domain.Session) recordSchema {
	rec := recordSchema{
		SchemaVersion:   s.SchemaVersion,
		ID:              s.ID,
		AccountRef:      s.AccountRef,
		EndpointID:      s.EndpointID,
		ProfileRef:      s.ProfileRef,
		State:           string(s.State),
		StateReason:     s.StateReason,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		LastHeartbeatAt: s.LastHeartbeatAt,
		RunningSince:    derefTime(s.RunningSince),
		EndedAt:         derefTime(s.EndedAt),
		DurationNanos:   int64(s.Duration),
		Revision:        s.Revision,
		Window:          windowSchema{Start: s.Window.Start, End: s.Window.End},
		Stats: statsSchema{
			Successes:       s.Stats.Successes,
			Failures:        s.Stats.Failures,
			LoginAttempts:   s.Stats.LoginAttempts,
			ActiveTimeNanos: int64(s.Stats.ActiveTime),
		},
	}
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = domain.SessionSchemaVersion
	}
	for _, e := range s.Stats.Errors {
		rec.Stats.Errors = append(rec.Stats.Errors, errorSchema{
			At: e.At, Message: e.Message, Activity: e.Activity, Critical: e.Critical,
		})
	}
	return rec
}

func fromSchema(rec recordSchema) *domain.Session {
	s := &domain.Session{
		SchemaVersion:   rec.SchemaVersion,
		ID:              rec.ID,
		AccountRef:      rec.AccountRef,
		EndpointID:      rec.EndpointID,
		ProfileRef:      rec.ProfileRef,
		State:           domain.SessionState(rec.State),
		StateReason:     rec.StateReason,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
		LastHeartbeatAt: rec.LastHeartbeatAt,
		RunningSince:    optionalTime(rec.RunningSince),
		EndedAt:         optionalTime(rec.EndedAt),
		Duration:        time.Duration(rec.DurationNanos),
		Revision:        rec.Revision,
		Window:          domain.ScheduleWindow{Start: rec.Window.Start, End: rec.Window.End},
		Stats: domain.SessionStats{
			Successes:     rec.Stats.Successes,
			Failures:      rec.Stats.Failures,
			LoginAttempts: rec.Stats.LoginAttempts,
			ActiveTime:    time.Duration(rec.Stats.ActiveTimeNanos),
		},
	}
	for _, e := range rec.Stats.Errors {
		s.Stats.Errors = append(s.Stats.Errors, domain.ErrorRecord{
			At: e.At, Message: e.Message, Activity: e.Activity, Critical: e.Critical,
		})
	}
	return s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

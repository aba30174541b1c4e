package engine

import (
	"context"
	"time"

	"github.com/xela07ax/fleet-orchestrator/internal/domain"
)

// EventSink принимает события ядра. Реализуется Recorder.
type EventSink interface {
	Record(subjectID string, kind domain.EventKind, detail map[string]any)
}

// SessionStore: долговременное хранилище записей сессий (файлы, Redis, Postgres).
type SessionStore interface {
	WriteRecord(ctx context.Context, rec *domain.Session) error
	ReadRecord(ctx context.Context, id string) (*domain.Session, error)
	ListRecordIDs(ctx context.Context) ([]string, error)
	DeleteRecord(ctx context.Context, id string) error
}

// Pinger: опциональная проверка доступности хранилища для health-отчета.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober проверяет точку выхода и возвращает задержку.
type Prober interface {
	Probe(ctx context.Context, ep domain.Endpoint) (time.Duration, error)
}

// ProfileSource: внешний генератор профилей поведения и окна работы.
type ProfileSource interface {
	NextProfile(accountRef string) domain.Profile
}

// AutomationDriver: коллаборатор, который реально выполняет прогон сессии.
type AutomationDriver interface {
	RunSession(ctx context.Context, req domain.RunRequest, progress domain.ProgressReporter) (domain.Outcome, error)
}

// Launcher исполняет команды планировщика: старт n сессий и остановка конкретных.
type Launcher interface {
	Launch(ctx context.Context, n int) (int, error)
	Halt(ctx context.Context, ids []string) int
}

// LeaderChecker: может ли этот инстанс отдавать команды.
type LeaderChecker interface {
	IsLeader() bool
}

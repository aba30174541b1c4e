package connectors

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/xela07ax/fleet-orchestrator/internal/domain"
)

// SimulatedDriver имитирует прогон для локальной разработки: шаги со случайной задержкой,
// heartbeat на каждом шаге, редкие ошибки.
type SimulatedDriver struct {
	Steps        int
	StepInterval time.Duration
	FailureRate  float64 // доля шагов с ошибкой
	CriticalRate float64 // доля ошибок, валящих сессию
}

func NewSimulatedDriver() *SimulatedDriver {
	return &SimulatedDriver{
		Steps:        20,
		StepInterval: 3 * time.Second,
		FailureRate:  0.1,
		CriticalRate: 0.05,
	}
}

func (d *SimulatedDriver) RunSession(ctx context.Context, req domain.RunRequest, progress domain.ProgressReporter) (domain.Outcome, error) {
	progress.State(domain.StateRunning, "simulation started")

	for step := 0; step < d.Steps; step++ {
		// задержка шага ±50%
		jitter := time.Duration(rand.Int64N(int64(d.StepInterval)+1)) - d.StepInterval/2
		select {
		case <-time.After(d.StepInterval + jitter):
		case <-ctx.Done():
			return domain.Outcome{State: domain.StateStopped, Reason: "cancelled"}, nil
		}

		progress.Heartbeat()
		if rand.Float64() < d.FailureRate {
			critical := rand.Float64() < d.CriticalRate
			progress.Error("simulated activity error", "step", critical)
			progress.Progress(domain.StatsDelta{Failures: 1})
			if critical {
				return domain.Outcome{State: domain.StateFailed, Reason: "simulated critical error"}, nil
			}
			continue
		}
		progress.Progress(domain.StatsDelta{Successes: 1})
	}
	return domain.Outcome{State: domain.StateCompleted, Reason: "simulation finished"}, nil
}

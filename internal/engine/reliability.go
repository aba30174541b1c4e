package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/fleet-orchestrator/internal/connectors"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ReliabilityOptions struct {
	Name          string
	StartRate     float64 // стартов в секунду
	StartBurst    int
	RetryAttempts uint
	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
	CBTrip        uint32 // ошибок подряд до размыкания
}

// ReliableDriver оборачивает драйвер: лимит частоты стартов, предохранитель и повтор
// сбоев "прогон не стартовал". Ошибки внутри уже идущего прогона не повторяются.
type ReliableDriver struct {
	next    AutomationDriver
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	opts    ReliabilityOptions
	metrics *Metrics
	logger  *zap.Logger
}

func NewReliableDriver(next AutomationDriver, opts ReliabilityOptions, metrics *Metrics, logger *zap.Logger) *ReliableDriver {
	if opts.Name == "" {
		opts.Name = "automation-driver"
	}
	if opts.StartRate <= 0 {
		opts.StartRate = 5
	}
	if opts.StartBurst <= 0 {
		opts.StartBurst = 10
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	if opts.CBTrip == 0 {
		opts.CBTrip = 5
	}
	logger = logger.Named("reliable_driver")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: opts.CBMaxRequests,
		Interval:    opts.CBInterval,
		Timeout:     opts.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.CBTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("driver", name), zap.String("from", from.String()), zap.String("to", to.String()))
			v := 0.0
			if to == gobreaker.StateOpen {
				v = 1
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
		},
	})

	return &ReliableDriver{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(opts.StartRate), opts.StartBurst),
		opts:    opts,
		metrics: metrics,
		logger:  logger,
	}
}

func (w *ReliableDriver) RunSession(ctx context.Context, req domain.RunRequest, progress domain.ProgressReporter) (domain.Outcome, error) {
	// 1. Rate Limiter: волна стартов после смены не должна ударить по драйверу разом
	if err := w.limiter.Wait(ctx); err != nil {
		return domain.Outcome{}, fmt.Errorf("start rate limit: %w", err)
	}

	var outcome domain.Outcome
	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.opts.RetryAttempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(retryable),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Драйвер сам сказал, сколько ждать
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)
		return nil, r.Do(func() error {
			var callErr error
			outcome, callErr = w.next.RunSession(ctx, req, progress)
			return callErr
		})
	})

	switch {
	case err == nil:
		w.metrics.DriverStartTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		w.metrics.DriverStartTotal.WithLabelValues("circuit_open").Inc()
	default:
		w.metrics.DriverStartTotal.WithLabelValues("error").Inc()
	}
	if err != nil {
		return domain.Outcome{}, err
	}
	return outcome, nil
}

func retryable(err error) bool {
	var tErr *connectors.ThrottleError
	return errors.Is(err, connectors.ErrNotStarted) || errors.As(err, &tErr)
}

// CircuitOpen: предохранитель разомкнут (для health-отчета).
func (w *ReliableDriver) CircuitOpen() bool {
	return w.cb.State() == gobreaker.StateOpen
}

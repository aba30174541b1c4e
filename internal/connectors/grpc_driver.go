package connectors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Виды сообщений в стриме RunSession.
const (
	msgHeartbeat       = "heartbeat"
	msgProgress        = "progress"
	msgError           = "error"
	msgState           = "state"
	msgEndpointFailure = "endpoint_failure"
	msgOutcome         = "outcome"
)

var runSessionDesc = &grpc.StreamDesc{StreamName: "RunSession", ServerStreams: true}

// GRPCDriver: клиент внешнего драйвера автоматизации. Запрос и сообщения стрима передаются как
// google.protobuf.Struct, поэтому сгенерированный клиент не нужен.
type GRPCDriver struct {
	conn   *grpc.ClientConn
	method string
	logger *zap.Logger
}

// DialDriver создает соединение. Сеть не трогается до первого вызова.
func DialDriver(addr, token, service string, logger *zap.Logger) (*GRPCDriver, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(UnaryTokenInterceptor(token)),
		grpc.WithChainStreamInterceptor(StreamTokenInterceptor(token)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial automation driver %s: %w", addr, err)
	}
	return NewGRPCDriver(conn, service, logger), nil
}

func NewGRPCDriver(conn *grpc.ClientConn, service string, logger *zap.Logger) *GRPCDriver {
	return &GRPCDriver{
		conn:   conn,
		method: "/" + service + "/RunSession",
		logger: logger.Named("grpc_driver"),
	}
}

func (d *GRPCDriver) Close() error {
	return d.conn.Close()
}

// RunSession открывает стрим и транслирует сообщения драйвера в reporter до outcome.
func (d *GRPCDriver) RunSession(ctx context.Context, req domain.RunRequest, progress domain.ProgressReporter) (domain.Outcome, error) {
	payload, err := structpb.NewStruct(requestToMap(req))
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("failed to create proto struct: %w", err)
	}

	stream, err := d.conn.NewStream(ctx, runSessionDesc, d.method)
	if err != nil {
		return domain.Outcome{}, classify(err)
	}
	if err := stream.SendMsg(payload); err != nil {
		return domain.Outcome{}, classify(err)
	}
	if err := stream.CloseSend(); err != nil {
		return domain.Outcome{}, classify(err)
	}

	started := false
	for {
		msg := &structpb.Struct{}
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return domain.Outcome{}, fmt.Errorf("driver closed stream without outcome")
		}
		if err != nil {
			if ctx.Err() != nil {
				return domain.Outcome{State: domain.StateStopped, Reason: "cancelled"}, nil
			}
			if !started {
				return domain.Outcome{}, classify(err)
			}
			return domain.Outcome{}, fmt.Errorf("driver stream failed: %w", err)
		}
		started = true

		m := msg.AsMap()
		switch kind, _ := m["type"].(string); kind {
		case msgHeartbeat:
			progress.Heartbeat()
		case msgProgress:
			progress.Progress(deltaFromMap(m))
		case msgError:
			progress.Error(str(m, "message"), str(m, "activity"), boolean(m, "critical"))
		case msgState:
			progress.State(domain.SessionState(str(m, "state")), str(m, "reason"))
		case msgEndpointFailure:
			if lease, err := progress.EndpointFailed(); err != nil {
				d.logger.Warn("no replacement endpoint", zap.String("session_id", req.SessionID), zap.Error(err))
			} else {
				d.logger.Info("endpoint replaced", zap.String("session_id", req.SessionID), zap.String("endpoint_id", lease.EndpointID))
			}
		case msgOutcome:
			return domain.Outcome{
				State:  domain.SessionState(str(m, "state")),
				Reason: str(m, "reason"),
				Stats:  deltaFromMap(m),
			}, nil
		default:
			d.logger.Debug("unknown driver message", zap.String("type", kind))
		}
	}
}

// classify: недоступность и перегрузка до старта прогона повторяемы.
func classify(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotStarted, err)
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		return &ThrottleError{RetryAfter: time.Second, Cause: err}
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", ErrNotStarted, err)
	default:
		return fmt.Errorf("driver call failed: %w", err)
	}
}

func requestToMap(req domain.RunRequest) map[string]interface{} {
	m := map[string]interface{}{
		"session_id":   req.SessionID,
		"account_ref":  req.AccountRef,
		"profile_ref":  req.ProfileRef,
		"window_start": req.Window.Start.Format(time.RFC3339),
		"window_end":   req.Window.End.Format(time.RFC3339),
	}
	if req.Lease != nil {
		ep := req.Lease.Endpoint
		m["endpoint"] = map[string]interface{}{
			"id":        req.Lease.EndpointID,
			"host":      ep.Host,
			"port":      float64(ep.Port),
			"transport": string(ep.Transport),
			"username":  ep.Username,
			"password":  ep.Password,
		}
	}
	return m
}

func deltaFromMap(m map[string]interface{}) domain.StatsDelta {
	return domain.StatsDelta{
		Successes:     num(m, "successes"),
		Failures:      num(m, "failures"),
		LoginAttempts: num(m, "login_attempts"),
	}
}

// В Struct все числа: float64.
func num(m map[string]interface{}, key string) int64 {
	if v, ok := m[key].(float64); ok {
		return int64(v)
	}
	return 0
}

func str(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func boolean(m map[string]interface{}, key string) bool {
	v, _ := m[key].(bool)
	return v
}

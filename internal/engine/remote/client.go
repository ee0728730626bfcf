// Package remote implements the evaluation engine as a client of an
// out-of-process engine service reachable over gRPC.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shsh-eval/internal/domain"
	"github.com/ashureev/shsh-eval/internal/engine"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service implemented by remote engines.
const ServiceName = "shsheval.v1.Engine"

// Full method names.
const (
	MethodCreateSession = "/" + ServiceName + "/CreateSession"
	MethodEvaluate      = "/" + ServiceName + "/Evaluate"
	MethodDiagnostics   = "/" + ServiceName + "/Diagnostics"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errMalformedResponse        = errors.New("malformed engine response")
)

// Config holds configuration for the gRPC client.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultConfig returns default configuration for addr.
func DefaultConfig(addr string) Config {
	return Config{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Session is a user session held by the remote engine.
type Session struct {
	engine.BaseSession

	mu       sync.Mutex
	remoteID string
}

func (s *Session) id() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// Engine is a gRPC client to a remote evaluation service.
type Engine struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
}

// New connects to the engine service at cfg.Address. It fails fast when the
// endpoint does not become ready within cfg.ConnectTimeout.
func New(cfg Config, opts ...grpc.DialOption) (*Engine, error) {
	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create engine client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Warn("Failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("engine at %s not ready: %w", cfg.Address, err)
	}

	slog.Info("Connected to remote engine", "address", cfg.Address)
	return &Engine{conn: conn, health: healthpb.NewHealthClient(conn), addr: cfg.Address}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (e *Engine) Close() {
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			slog.Warn("Failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks that the engine service reports SERVING.
func (e *Engine) Health(ctx context.Context) error {
	resp, err := e.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("engine at %s is %s", e.addr, resp.GetStatus())
	}
	return nil
}

// CreateSession opens a session for userID on the remote engine.
func (e *Engine) CreateSession(ctx context.Context, userID string) (engine.Session, error) {
	id, err := e.createRemote(ctx, userID)
	if err != nil {
		return nil, err
	}
	slog.Info("Remote session created", "user_id", userID, "session_id", id)
	return &Session{
		BaseSession: engine.BaseSession{User: userID, Created: time.Now()},
		remoteID:    id,
	}, nil
}

func (e *Engine) createRemote(ctx context.Context, userID string) (string, error) {
	resp, err := e.call(ctx, MethodCreateSession, map[string]any{"user_id": userID})
	if err != nil {
		return "", fmt.Errorf("create remote session for %s: %w", userID, err)
	}
	id := resp.GetFields()["session_id"].GetStringValue()
	if id == "" {
		return "", fmt.Errorf("%w: empty session_id", errMalformedResponse)
	}
	return id, nil
}

// Evaluate sends code to the remote session. A session the service no longer
// knows is recreated once, which loses its state.
func (e *Engine) Evaluate(ctx context.Context, es engine.Session, code string) ([]domain.EvaluationUnit, error) {
	s, ok := es.(*Session)
	if !ok {
		return nil, fmt.Errorf("session of type %T was not created by this engine", es)
	}

	resp, err := e.call(ctx, MethodEvaluate, map[string]any{"session_id": s.id(), "code": code})
	if status.Code(err) == codes.NotFound {
		slog.Warn("Remote session lost, recreating", "user_id", s.User)
		id, cerr := e.createRemote(ctx, s.User)
		if cerr != nil {
			return nil, cerr
		}
		s.mu.Lock()
		s.remoteID = id
		s.mu.Unlock()
		resp, err = e.call(ctx, MethodEvaluate, map[string]any{"session_id": id, "code": code})
	}
	if err != nil {
		return nil, err
	}
	return decodeUnits(resp)
}

// Diagnostics fetches the diagnostics of one snippet.
func (e *Engine) Diagnostics(ctx context.Context, es engine.Session, unit domain.EvaluationUnit) ([]domain.Diagnostic, error) {
	s, ok := es.(*Session)
	if !ok {
		return nil, fmt.Errorf("session of type %T was not created by this engine", es)
	}
	resp, err := e.call(ctx, MethodDiagnostics, map[string]any{"session_id": s.id(), "snippet_id": unit.SnippetID})
	if err != nil {
		return nil, err
	}
	return decodeDiagnostics(resp), nil
}

// call invokes a unary method with a Struct payload and maps status codes
// onto the engine error taxonomy.
func (e *Engine) call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := &structpb.Struct{}
	if err := e.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, classify(method, err)
	}
	return out, nil
}

func classify(method string, err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w: %w", method, engine.ErrTimeExceeded, err)
	case codes.InvalidArgument, codes.Unimplemented:
		return fmt.Errorf("%s: %w: %w", method, engine.ErrUnsupported, err)
	default:
		return fmt.Errorf("%s: %w", method, err)
	}
}

func decodeUnits(resp *structpb.Struct) ([]domain.EvaluationUnit, error) {
	values := resp.GetFields()["units"].GetListValue().GetValues()
	units := make([]domain.EvaluationUnit, 0, len(values))
	for i, v := range values {
		f := v.GetStructValue().GetFields()
		if f == nil {
			return nil, fmt.Errorf("%w: unit %d is not an object", errMalformedResponse, i)
		}
		unit := domain.EvaluationUnit{
			SnippetID: f["snippet_id"].GetStringValue(),
			Source:    f["source"].GetStringValue(),
			Outcome:   domain.Outcome(f["outcome"].GetStringValue()),
			Value:     f["value"].GetStringValue(),
			Output:    f["output"].GetStringValue(),
			Failure:   f["failure"].GetStringValue(),
		}
		switch unit.Outcome {
		case domain.OutcomeValue, domain.OutcomeRejected, domain.OutcomeFailure:
		default:
			return nil, fmt.Errorf("%w: unit %d has outcome %q", errMalformedResponse, i, unit.Outcome)
		}
		units = append(units, unit)
	}
	return units, nil
}

func decodeDiagnostics(resp *structpb.Struct) []domain.Diagnostic {
	values := resp.GetFields()["diagnostics"].GetListValue().GetValues()
	diags := make([]domain.Diagnostic, 0, len(values))
	for _, v := range values {
		f := v.GetStructValue().GetFields()
		if f == nil {
			continue
		}
		sev := domain.Severity(f["severity"].GetStringValue())
		if sev == "" {
			sev = domain.SeverityInfo
		}
		diags = append(diags, domain.Diagnostic{
			Severity: sev,
			Message:  f["message"].GetStringValue(),
			Line:     int(f["line"].GetNumberValue()),
		})
	}
	return diags
}

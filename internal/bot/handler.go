// Package bot wires chat events to evaluation and response delivery.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/ashureev/shsh-eval/internal/command"
	"github.com/ashureev/shsh-eval/internal/delivery"
	"github.com/ashureev/shsh-eval/internal/domain"
	"github.com/ashureev/shsh-eval/internal/engine"
	"github.com/ashureev/shsh-eval/internal/execution"
	"github.com/ashureev/shsh-eval/internal/render"
	"github.com/ashureev/shsh-eval/internal/shared"
)

// Sessions resolves the evaluation session of a user.
type Sessions interface {
	GetOrCreate(ctx context.Context, userID string) (engine.Session, error)
}

// Runner evaluates code in a session and returns the displayed units.
type Runner interface {
	Run(ctx context.Context, s engine.Session, code string) execution.Result
}

// Responder delivers and retracts the messages answering a request.
type Responder interface {
	Send(ctx context.Context, requestID, channelID string, contents []domain.Content) *delivery.Pending
	Retract(ctx context.Context, requestID string) error
	Forget(requestID string)
}

// Handler processes chat events. Events sharing a request ID are handled in
// arrival order; events for different requests run concurrently.
type Handler struct {
	parser    *command.Parser
	sessions  Sessions
	runner    Runner
	renderer  render.Renderer
	responder Responder
	queue     *shared.KeyedQueue
}

// NewHandler creates a new event handler.
func NewHandler(parser *command.Parser, sessions Sessions, runner Runner, renderer render.Renderer, responder Responder) *Handler {
	return &Handler{
		parser:    parser,
		sessions:  sessions,
		runner:    runner,
		renderer:  renderer,
		responder: responder,
		queue:     shared.NewKeyedQueue(),
	}
}

// Dispatch queues an event for handling. The returned channel is closed once
// the event has been fully processed.
func (h *Handler) Dispatch(ctx context.Context, ev domain.Event) <-chan struct{} {
	return h.queue.Submit(ev.Request.ID, func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Panic while handling chat event",
					"request_id", ev.Request.ID,
					"kind", ev.Kind,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		h.process(ctx, ev)
	})
}

// InFlight returns the number of events queued or being processed.
func (h *Handler) InFlight() int {
	return h.queue.Pending()
}

func (h *Handler) process(ctx context.Context, ev domain.Event) {
	req := ev.Request
	switch ev.Kind {
	case domain.EventCreated:
		h.handle(ctx, req)
	case domain.EventEdited:
		h.retract(ctx, req.ID)
		if !h.handle(ctx, req) {
			h.responder.Forget(req.ID)
		}
	case domain.EventDeleted:
		h.retract(ctx, req.ID)
		h.responder.Forget(req.ID)
	default:
		slog.Warn("Ignoring unknown chat event", "kind", ev.Kind, "request_id", req.ID)
	}
}

func (h *Handler) retract(ctx context.Context, requestID string) {
	if err := h.responder.Retract(ctx, requestID); err != nil {
		slog.Warn("Failed to retract previous response", "request_id", requestID, "error", err)
	}
}

// handle evaluates a request and delivers its response. It reports whether
// the request was a command.
func (h *Handler) handle(ctx context.Context, req domain.Request) bool {
	code, ok := h.parser.Parse(req.Text)
	if !ok {
		return false
	}

	contents, err := h.evaluate(ctx, req, code)
	if err != nil {
		contents = []domain.Content{h.renderer.RenderError(req, err)}
	}
	if len(contents) == 0 {
		slog.Debug("Evaluation produced no units", "request_id", req.ID)
		return true
	}

	resp, err := h.responder.Send(ctx, req.ID, req.ChannelID, contents).Wait(ctx)
	if err != nil {
		slog.Error("Failed to deliver response",
			"request_id", req.ID,
			"delivered", len(resp.MessageIDs),
			"error", err)
		return true
	}
	slog.Info("Response delivered",
		"request_id", req.ID,
		"user_id", req.AuthorID,
		"messages", len(resp.MessageIDs))
	return true
}

func (h *Handler) evaluate(ctx context.Context, req domain.Request, code string) ([]domain.Content, error) {
	sess, err := h.sessions.GetOrCreate(ctx, req.AuthorID)
	if err != nil {
		return nil, fmt.Errorf("get session for %s: %w", req.AuthorID, err)
	}

	result := h.runner.Run(ctx, sess, code)
	if !result.OK() {
		slog.Info("Evaluation failed",
			"request_id", req.ID,
			"user_id", req.AuthorID,
			"kind", result.Err.Kind,
			"error", result.Err.Cause)
		return nil, result.Err
	}

	contents := make([]domain.Content, 0, len(result.Units))
	for _, unit := range result.Units {
		contents = append(contents, h.renderer.Render(req, unit))
	}
	return contents, nil
}

package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shsh-eval/internal/command"
	"github.com/ashureev/shsh-eval/internal/delivery"
	"github.com/ashureev/shsh-eval/internal/domain"
	"github.com/ashureev/shsh-eval/internal/engine"
	"github.com/ashureev/shsh-eval/internal/execution"
	"github.com/ashureev/shsh-eval/internal/render"
	"github.com/ashureev/shsh-eval/internal/session"
	"github.com/ashureev/shsh-eval/internal/tracker"
)

// fakeEngine evaluates every line as one unit whose value is the line itself.
// A line "hang" blocks until the context is cancelled.
type fakeEngine struct {
	mu    sync.Mutex
	calls int
}

func (e *fakeEngine) CreateSession(_ context.Context, userID string) (engine.Session, error) {
	return engine.BaseSession{User: userID, Created: time.Now()}, nil
}

func (e *fakeEngine) Evaluate(ctx context.Context, _ engine.Session, code string) ([]domain.EvaluationUnit, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	var units []domain.EvaluationUnit
	for i, line := range strings.Split(code, "\n") {
		if line == "hang" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		units = append(units, domain.EvaluationUnit{
			SnippetID: strconv.Itoa(i + 1),
			Source:    line,
			Outcome:   domain.OutcomeValue,
			Value:     line,
		})
	}
	return units, nil
}

func (e *fakeEngine) Diagnostics(context.Context, engine.Session, domain.EvaluationUnit) ([]domain.Diagnostic, error) {
	return nil, nil
}

type sentMessage struct {
	id      string
	channel string
	content domain.Content
}

type fakeTransport struct {
	mu      sync.Mutex
	next    int
	live    map[string]sentMessage
	sent    []sentMessage
	deleted []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{live: make(map[string]sentMessage)}
}

func (f *fakeTransport) SendMessage(_ context.Context, channelID string, content domain.Content) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	msg := sentMessage{id: "m" + strconv.Itoa(f.next), channel: channelID, content: content}
	f.live[msg.id] = msg
	f.sent = append(f.sent, msg)
	return msg.id, nil
}

func (f *fakeTransport) DeleteMessage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[id]; !ok {
		return domain.ErrMessageNotFound
	}
	delete(f.live, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeTransport) ScheduleDelete(string, time.Duration) {}

func (f *fakeTransport) snapshot() (sent []sentMessage, deleted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...), append([]string(nil), f.deleted...)
}

// probeRunner calls before ahead of every evaluation.
type probeRunner struct {
	inner  Runner
	before func()
}

func (p *probeRunner) Run(ctx context.Context, s engine.Session, code string) execution.Result {
	if p.before != nil {
		p.before()
	}
	return p.inner.Run(ctx, s, code)
}

type harness struct {
	handler   *Handler
	engine    *fakeEngine
	transport *fakeTransport
	tracker   *tracker.Tracker
	registry  *session.Registry
	probe     *probeRunner
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	eng := &fakeEngine{}
	pipeline, err := execution.NewPipeline(eng, timeout, 3)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	tr := tracker.New()
	transport := newFakeTransport()
	registry := session.NewRegistry(eng)
	probe := &probeRunner{inner: pipeline}
	h := NewHandler(
		command.NewParser("!run", command.UnicodeSanitizer{}),
		registry,
		probe,
		render.NewEmbedRenderer(),
		delivery.NewScheduler(transport, tr, delivery.Config{}),
	)
	return &harness{handler: h, engine: eng, transport: transport, tracker: tr, registry: registry, probe: probe}
}

func (h *harness) dispatch(t *testing.T, kind domain.EventKind, id, text string) {
	t.Helper()
	ev := domain.Event{Kind: kind, Request: domain.Request{
		ID:         id,
		AuthorID:   "u1",
		AuthorName: "alice",
		ChannelID:  "general",
		Text:       text,
		Timestamp:  time.Now(),
	}}
	select {
	case <-h.handler.Dispatch(context.Background(), ev):
	case <-time.After(2 * time.Second):
		t.Fatalf("%s event for %s not handled in time", kind, id)
	}
}

func TestCreateDeliversOneMessagePerUnit(t *testing.T) {
	h := newHarness(t, time.Second)

	h.dispatch(t, domain.EventCreated, "r1", "!run a\nb")

	sent, _ := h.transport.snapshot()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
	for _, msg := range sent {
		if msg.channel != "general" {
			t.Errorf("message sent to %q", msg.channel)
		}
		if msg.content.Title != "alice's Result" {
			t.Errorf("Title = %q", msg.content.Title)
		}
	}
	resp, ok := h.tracker.Lookup("r1")
	if !ok || len(resp.MessageIDs) != 2 {
		t.Fatalf("tracked response = %+v, %v", resp, ok)
	}
}

func TestNonCommandIsIgnored(t *testing.T) {
	h := newHarness(t, time.Second)

	h.dispatch(t, domain.EventCreated, "r1", "hello everyone")

	sent, _ := h.transport.snapshot()
	if len(sent) != 0 {
		t.Fatalf("sent %d messages for a plain chat message", len(sent))
	}
	if h.registry.Len() != 0 {
		t.Error("a session was created for a non-command")
	}
}

func TestEditReplacesResponse(t *testing.T) {
	h := newHarness(t, time.Second)

	h.dispatch(t, domain.EventCreated, "r1", "!run first")
	a, ok := h.tracker.Lookup("r1")
	if !ok || len(a.MessageIDs) != 1 {
		t.Fatalf("response A = %+v, %v", a, ok)
	}

	var seenDuringEval domain.Response
	var seenOK bool
	var deletedBeforeEval []string
	h.probe.before = func() {
		seenDuringEval, seenOK = h.tracker.Lookup("r1")
		_, deletedBeforeEval = h.transport.snapshot()
	}

	h.dispatch(t, domain.EventEdited, "r1", "!run second")

	if !seenOK || seenDuringEval.MessageIDs[0] != a.MessageIDs[0] {
		t.Errorf("lookup during re-evaluation = %+v, %v; want response A", seenDuringEval, seenOK)
	}
	if len(deletedBeforeEval) != 1 || deletedBeforeEval[0] != a.MessageIDs[0] {
		t.Errorf("deleted before re-evaluation = %v, want [%s]", deletedBeforeEval, a.MessageIDs[0])
	}

	b, ok := h.tracker.Lookup("r1")
	if !ok || len(b.MessageIDs) != 1 || b.MessageIDs[0] == a.MessageIDs[0] {
		t.Fatalf("response B = %+v, %v", b, ok)
	}

	_, deleted := h.transport.snapshot()
	count := 0
	for _, id := range deleted {
		if id == a.MessageIDs[0] {
			count++
		}
	}
	if count != 1 {
		t.Errorf("response A deleted %d times, want exactly once", count)
	}
}

func TestEditToNonCommandClearsResponse(t *testing.T) {
	h := newHarness(t, time.Second)

	h.dispatch(t, domain.EventCreated, "r1", "!run x")
	h.dispatch(t, domain.EventEdited, "r1", "never mind")

	if _, ok := h.tracker.Lookup("r1"); ok {
		t.Error("response still tracked after edit removed the command")
	}
	_, deleted := h.transport.snapshot()
	if len(deleted) != 1 {
		t.Errorf("deleted = %v, want the old answer", deleted)
	}
}

func TestDeleteRemovesResponse(t *testing.T) {
	h := newHarness(t, time.Second)

	h.dispatch(t, domain.EventCreated, "r1", "!run a\nb")
	h.dispatch(t, domain.EventDeleted, "r1", "")

	if _, ok := h.tracker.Lookup("r1"); ok {
		t.Error("response still tracked after delete")
	}
	_, deleted := h.transport.snapshot()
	if len(deleted) != 2 {
		t.Errorf("deleted %d messages, want 2", len(deleted))
	}
}

func TestDeleteUnknownRequestIsNoop(t *testing.T) {
	h := newHarness(t, time.Second)

	h.dispatch(t, domain.EventDeleted, "never-seen", "")

	sent, deleted := h.transport.snapshot()
	if len(sent) != 0 || len(deleted) != 0 {
		t.Errorf("sent=%v deleted=%v, want nothing", sent, deleted)
	}
}

func TestTimeoutSendsSingleFailureAndSessionStaysUsable(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)

	start := time.Now()
	h.dispatch(t, domain.EventCreated, "r1", "!run hang")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timed out evaluation took %v", elapsed)
	}

	sent, _ := h.transport.snapshot()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want a single failure message", len(sent))
	}
	if !hasField(sent[0].content, "Time Exceeded") {
		t.Errorf("failure message fields = %+v", sent[0].content.Fields)
	}
	if hasField(sent[0].content, "Snippet-ID") {
		t.Error("failure message carries a snippet id")
	}

	before, _ := h.registry.Lookup("u1")
	h.dispatch(t, domain.EventCreated, "r2", "!run ok")
	after, _ := h.registry.Lookup("u1")
	if before != after {
		t.Error("session replaced after timeout")
	}
	sent, _ = h.transport.snapshot()
	if len(sent) != 2 || !hasField(sent[1].content, "Value") {
		t.Fatalf("second request not answered normally: %+v", sent)
	}
}

func TestEventsForSameRequestAreSerialized(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	req := domain.Request{ID: "r1", AuthorID: "u1", ChannelID: "general", Text: "!run a"}

	created := h.handler.Dispatch(ctx, domain.Event{Kind: domain.EventCreated, Request: req})
	deleted := h.handler.Dispatch(ctx, domain.Event{Kind: domain.EventDeleted, Request: domain.Request{ID: "r1"}})
	for _, done := range []<-chan struct{}{created, deleted} {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("event not handled in time")
		}
	}

	if _, ok := h.tracker.Lookup("r1"); ok {
		t.Error("delete processed before create")
	}
	sent, deletedIDs := h.transport.snapshot()
	if len(sent) != 1 || len(deletedIDs) != 1 || deletedIDs[0] != sent[0].id {
		t.Errorf("sent=%v deleted=%v", sent, deletedIDs)
	}
}

type panickyRenderer struct{ render.Renderer }

func (panickyRenderer) Render(domain.Request, domain.EvaluationUnit) domain.Content {
	panic("boom")
}

func TestPanicIsContained(t *testing.T) {
	h := newHarness(t, time.Second)
	h.handler.renderer = panickyRenderer{Renderer: render.NewEmbedRenderer()}

	h.dispatch(t, domain.EventCreated, "r1", "!run a")

	// Other work keeps flowing.
	h.handler.renderer = render.NewEmbedRenderer()
	h.dispatch(t, domain.EventCreated, "r2", "!run b")
	if _, ok := h.tracker.Lookup("r2"); !ok {
		t.Error("handler stopped working after a panic")
	}
}

type failingSessions struct{}

func (failingSessions) GetOrCreate(context.Context, string) (engine.Session, error) {
	return nil, errors.New("docker unreachable")
}

func TestSessionFailureRendersError(t *testing.T) {
	h := newHarness(t, time.Second)
	h.handler.sessions = failingSessions{}

	h.dispatch(t, domain.EventCreated, "r1", "!run a")

	sent, _ := h.transport.snapshot()
	if len(sent) != 1 || !hasField(sent[0].content, "Error") {
		t.Fatalf("sent = %+v, want one error message", sent)
	}
}

func hasField(c domain.Content, name string) bool {
	for _, f := range c.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

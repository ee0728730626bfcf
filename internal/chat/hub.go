// Package chat implements the chat transport: channels with live
// subscribers, a persisted transcript and message lifecycle events.
package chat

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ashureev/shsh-eval/internal/domain"
	"github.com/ashureev/shsh-eval/internal/store"
	"github.com/google/uuid"
)

const (
	maxTextRunes      = 8000
	subscriberBuffer  = 64
	messageLockCount  = 64
	scheduleOpTimeout = 5 * time.Second
)

var (
	// ErrForbidden is returned when a user edits or deletes a message they
	// did not post.
	ErrForbidden = errors.New("not the author of this message")
	// ErrDuplicate is returned when a client reuses one of its message IDs.
	ErrDuplicate = errors.New("message id already used")
	// ErrInvalidMessage is returned for empty or oversized text and bad
	// channel names.
	ErrInvalidMessage = errors.New("invalid message")

	channelPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
)

// Dispatcher receives message lifecycle events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev domain.Event) <-chan struct{}
}

// Frame is a server-to-client notification.
type Frame struct {
	Type    string              `json:"type"`
	ID      string              `json:"id,omitempty"`
	Channel string              `json:"channel,omitempty"`
	Message *domain.ChatMessage `json:"message,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// Frame types.
const (
	FrameMessage = "message"
	FrameDelete  = "delete"
	FramePong    = "pong"
	FrameError   = "error"
)

type subscriber struct {
	channel string
	frames  chan Frame
	closed  chan struct{}
	once    sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.closed) })
}

// Author identifies who posts a message.
type Author struct {
	ID   string
	Name string
}

// Hub owns channels, their subscribers and the message transcript.
// It implements delivery.Transport for evaluation results.
type Hub struct {
	repo store.Repository
	now  func() time.Time
	base context.Context

	dispatchMu sync.RWMutex
	dispatcher Dispatcher

	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	// Held from the store write through dispatch so events for one message
	// reach the dispatcher in the order their writes were applied.
	messageLocks [messageLockCount]sync.Mutex
}

// NewHub creates a hub backed by repo. Events are dispatched with base as
// their context, so handling outlives the request that caused it.
func NewHub(base context.Context, repo store.Repository) *Hub {
	return &Hub{
		repo:        repo,
		now:         time.Now,
		base:        base,
		subscribers: make(map[string]map[*subscriber]struct{}),
		timers:      make(map[string]*time.Timer),
	}
}

// SetDispatcher sets the receiver of message events.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()
	h.dispatcher = d
}

// ValidChannel reports whether name is an acceptable channel name.
func ValidChannel(name string) bool {
	return channelPattern.MatchString(name)
}

// SendMessage posts rendered content to a channel and returns its ID.
func (h *Hub) SendMessage(ctx context.Context, channelID string, content domain.Content) (string, error) {
	now := h.now()
	msg := &domain.ChatMessage{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Kind:      domain.MessageKindBot,
		Content:   &content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.InsertMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("store bot message: %w", err)
	}
	h.broadcast(channelID, Frame{Type: FrameMessage, ID: msg.ID, Channel: channelID, Message: msg})
	return msg.ID, nil
}

// DeleteMessage deletes any live message. It returns
// domain.ErrMessageNotFound when the message is already gone.
func (h *Hub) DeleteMessage(ctx context.Context, id string) error {
	msg, err := h.repo.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if err := h.repo.MarkMessageDeleted(ctx, id, h.now()); err != nil {
		return err
	}
	h.stopTimer(id)
	h.broadcast(msg.ChannelID, Frame{Type: FrameDelete, ID: id, Channel: msg.ChannelID})
	return nil
}

// ScheduleDelete deletes a message after delay. The deadline is persisted so
// the sweeper honours it even if the process restarts first.
func (h *Hub) ScheduleDelete(id string, delay time.Duration) {
	ctx, cancel := context.WithTimeout(h.base, scheduleOpTimeout)
	defer cancel()
	if err := h.repo.ScheduleMessageDelete(ctx, id, h.now().Add(delay)); err != nil {
		if !errors.Is(err, domain.ErrMessageNotFound) {
			slog.Warn("Failed to persist scheduled delete", "message_id", id, "error", err)
		}
		return
	}

	// The timer is registered before its callback can take timersMu.
	h.timersMu.Lock()
	defer h.timersMu.Unlock()
	if old, ok := h.timers[id]; ok {
		// The sweeper still honours an earlier persisted deadline.
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		h.timersMu.Lock()
		if h.timers[id] == timer {
			delete(h.timers, id)
		}
		h.timersMu.Unlock()

		ctx, cancel := context.WithTimeout(h.base, scheduleOpTimeout)
		defer cancel()
		if err := h.DeleteMessage(ctx, id); err != nil && !errors.Is(err, domain.ErrMessageNotFound) {
			slog.Warn("Scheduled delete failed", "message_id", id, "error", err)
		}
	})
	h.timers[id] = timer
}

func (h *Hub) lockMessage(id string) func() {
	f := fnv.New32a()
	_, _ = f.Write([]byte(id))
	mu := &h.messageLocks[f.Sum32()%messageLockCount]
	mu.Lock()
	return mu.Unlock
}

func (h *Hub) stopTimer(id string) {
	h.timersMu.Lock()
	defer h.timersMu.Unlock()
	if t, ok := h.timers[id]; ok {
		t.Stop()
		delete(h.timers, id)
	}
}

// Post stores a user message and emits a created event.
func (h *Hub) Post(ctx context.Context, author Author, channelID, clientID, text string) (*domain.ChatMessage, error) {
	if !ValidChannel(channelID) {
		return nil, fmt.Errorf("%w: channel %q", ErrInvalidMessage, channelID)
	}
	if err := validateText(text); err != nil {
		return nil, err
	}
	if clientID == "" {
		clientID = uuid.NewString()
	} else if !clientIDPattern.MatchString(clientID) {
		return nil, fmt.Errorf("%w: client id %q", ErrInvalidMessage, clientID)
	}

	id := author.ID + ":" + clientID
	defer h.lockMessage(id)()
	if _, err := h.repo.GetMessage(ctx, id); err == nil {
		return nil, ErrDuplicate
	}

	now := h.now()
	msg := &domain.ChatMessage{
		ID:         id,
		ChannelID:  channelID,
		Kind:       domain.MessageKindUser,
		AuthorID:   author.ID,
		AuthorName: author.Name,
		Text:       text,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.repo.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}

	h.broadcast(channelID, Frame{Type: FrameMessage, ID: msg.ID, Channel: channelID, Message: msg})
	h.dispatch(domain.EventCreated, msg)
	return msg, nil
}

// Edit replaces the text of a user's own message and emits an edited event.
func (h *Hub) Edit(ctx context.Context, author Author, id, text string) (*domain.ChatMessage, error) {
	if err := validateText(text); err != nil {
		return nil, err
	}
	defer h.lockMessage(id)()
	msg, err := h.owned(ctx, author, id)
	if err != nil {
		return nil, err
	}

	now := h.now()
	if err := h.repo.UpdateMessageText(ctx, id, text, now); err != nil {
		return nil, err
	}
	msg.Text = text
	msg.UpdatedAt = now

	h.broadcast(msg.ChannelID, Frame{Type: FrameMessage, ID: msg.ID, Channel: msg.ChannelID, Message: msg})
	h.dispatch(domain.EventEdited, msg)
	return msg, nil
}

// Remove deletes a user's own message and emits a deleted event.
func (h *Hub) Remove(ctx context.Context, author Author, id string) error {
	defer h.lockMessage(id)()
	msg, err := h.owned(ctx, author, id)
	if err != nil {
		return err
	}
	if err := h.repo.MarkMessageDeleted(ctx, id, h.now()); err != nil {
		return err
	}

	h.broadcast(msg.ChannelID, Frame{Type: FrameDelete, ID: id, Channel: msg.ChannelID})
	h.dispatch(domain.EventDeleted, msg)
	return nil
}

// History returns the newest live messages of a channel, oldest first.
func (h *Hub) History(ctx context.Context, channelID string, limit int) ([]*domain.ChatMessage, error) {
	if !ValidChannel(channelID) {
		return nil, fmt.Errorf("%w: channel %q", ErrInvalidMessage, channelID)
	}
	return h.repo.ListMessages(ctx, channelID, limit)
}

func (h *Hub) owned(ctx context.Context, author Author, id string) (*domain.ChatMessage, error) {
	msg, err := h.repo.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Kind != domain.MessageKindUser || msg.AuthorID != author.ID {
		return nil, ErrForbidden
	}
	return msg, nil
}

func (h *Hub) dispatch(kind domain.EventKind, msg *domain.ChatMessage) {
	h.dispatchMu.RLock()
	d := h.dispatcher
	h.dispatchMu.RUnlock()
	if d == nil {
		return
	}
	d.Dispatch(h.base, domain.Event{Kind: kind, Request: domain.Request{
		ID:         msg.ID,
		AuthorID:   msg.AuthorID,
		AuthorName: msg.AuthorName,
		ChannelID:  msg.ChannelID,
		Text:       msg.Text,
		Timestamp:  msg.UpdatedAt,
	}})
}

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(text) > maxTextRunes {
		return fmt.Errorf("%w: text longer than %d characters", ErrInvalidMessage, maxTextRunes)
	}
	return nil
}

// subscribe registers a listener for a channel's frames. The returned
// subscriber must be released with unsubscribe.
func (h *Hub) subscribe(channelID string) *subscriber {
	sub := &subscriber{
		channel: channelID,
		frames:  make(chan Frame, subscriberBuffer),
		closed:  make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[channelID]; !ok {
		h.subscribers[channelID] = make(map[*subscriber]struct{})
	}
	h.subscribers[channelID][sub] = struct{}{}
	slog.Debug("Chat subscriber registered", "channel", channelID)
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subscribers[sub.channel]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscribers, sub.channel)
		}
	}
	sub.close()
}

// broadcast queues a frame for every subscriber of a channel. Subscribers
// that fall behind are disconnected.
func (h *Hub) broadcast(channelID string, f Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers[channelID] {
		select {
		case sub.frames <- f:
		default:
			slog.Warn("Dropping slow chat subscriber", "channel", channelID)
			sub.close()
		}
	}
}

// Subscribers returns the number of live subscribers across all channels.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.subscribers {
		n += len(subs)
	}
	return n
}

// Close stops pending delete timers. Their deadlines stay persisted.
func (h *Hub) Close() {
	h.timersMu.Lock()
	defer h.timersMu.Unlock()
	for id, t := range h.timers {
		t.Stop()
		delete(h.timers, id)
	}
}

// Package delivery sends rendered responses through the chat transport,
// records them for later replacement and schedules their expiry.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-eval/internal/domain"
	"github.com/ashureev/shsh-eval/internal/tracker"
)

// ErrDeliveryFailure indicates the transport failed to deliver a message.
var ErrDeliveryFailure = errors.New("delivery failure")

// Transport is the part of the chat transport the scheduler drives.
type Transport interface {
	// SendMessage delivers content to a channel and returns the message ID
	// once the transport confirms delivery.
	SendMessage(ctx context.Context, channelID string, content domain.Content) (string, error)

	// DeleteMessage removes a delivered message. Implementations return
	// domain.ErrMessageNotFound when the message is already gone.
	DeleteMessage(ctx context.Context, messageID string) error

	// ScheduleDelete removes the message after delay.
	ScheduleDelete(messageID string, delay time.Duration)
}

// Config controls auto-removal of delivered messages.
type Config struct {
	AutoDelete      bool
	AutoDeleteDelay time.Duration
}

// Scheduler sends responses and keeps the tracker in sync with them.
type Scheduler struct {
	transport Transport
	tracker   *tracker.Tracker
	cfg       Config
	now       func() time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(transport Transport, tr *tracker.Tracker, cfg Config) *Scheduler {
	return &Scheduler{
		transport: transport,
		tracker:   tr,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Pending is the handle of an in-flight send.
type Pending struct {
	done chan struct{}
	resp domain.Response
	err  error
}

// Done is closed once delivery finished and the response was recorded.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until delivery finished or ctx is done. The returned response
// lists every message that was delivered, even when err is non-nil.
func (p *Pending) Wait(ctx context.Context) (domain.Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return domain.Response{}, ctx.Err()
	}
}

// Send delivers contents to channelID in order. When delivery completes the
// delivered messages are recorded under requestID, replacing whatever was
// tracked before, and each one is scheduled for removal if auto delete is on.
func (s *Scheduler) Send(ctx context.Context, requestID, channelID string, contents []domain.Content) *Pending {
	p := &Pending{done: make(chan struct{})}

	go func() {
		defer close(p.done)
		p.resp, p.err = s.deliver(ctx, requestID, channelID, contents)
	}()

	return p
}

func (s *Scheduler) deliver(ctx context.Context, requestID, channelID string, contents []domain.Content) (domain.Response, error) {
	resp := domain.Response{RequestID: requestID, ChannelID: channelID}

	var sendErr error
	for i, content := range contents {
		id, err := s.transport.SendMessage(ctx, channelID, content)
		if err != nil {
			sendErr = fmt.Errorf("%w: message %d of %d for request %s: %v", ErrDeliveryFailure, i+1, len(contents), requestID, err)
			break
		}
		resp.MessageIDs = append(resp.MessageIDs, id)
	}

	if len(resp.MessageIDs) == 0 {
		return resp, sendErr
	}

	resp.SentAt = s.now()
	s.tracker.Record(requestID, resp)

	if s.cfg.AutoDelete {
		for _, id := range resp.MessageIDs {
			s.transport.ScheduleDelete(id, s.cfg.AutoDeleteDelay)
		}
	}

	return resp, sendErr
}

// Retract deletes the messages currently tracked for requestID. The entry is
// kept; a later Send or Forget replaces or removes it. Messages that no
// longer exist are skipped silently.
func (s *Scheduler) Retract(ctx context.Context, requestID string) error {
	resp, ok := s.tracker.Lookup(requestID)
	if !ok {
		return nil
	}

	var errs []error
	for _, id := range resp.MessageIDs {
		err := s.transport.DeleteMessage(ctx, id)
		if err == nil || errors.Is(err, domain.ErrMessageNotFound) {
			continue
		}
		errs = append(errs, fmt.Errorf("%w: delete message %s: %v", ErrDeliveryFailure, id, err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slog.Debug("Retracted response", "request_id", requestID, "messages", len(resp.MessageIDs))
	return nil
}

// Forget stops tracking requestID.
func (s *Scheduler) Forget(requestID string) {
	s.tracker.Clear(requestID)
}

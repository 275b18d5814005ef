package sinks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crm-phone-scraper/internal/progress"
	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

// Publisher is the subset of a message publisher the sink needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// AccountEvent is the payload published when an account reaches a terminal
// state for a run.
type AccountEvent struct {
	RunID       string `json:"run_id"`
	AccountID   string `json:"account_id"`
	Status      string `json:"status"`
	PhonesAdded int    `json:"phones_added"`
	LastPage    int    `json:"last_page"`
	Worker      int    `json:"worker,omitempty"`
	Error       string `json:"error,omitempty"`
}

// PublisherSink forwards account completions and failures to a topic. Other
// stages are ignored.
type PublisherSink struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink builds a sink for topic.
func NewPublisherSink(pub Publisher, topic string, logger *zap.Logger) (*PublisherSink, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}, nil
}

// Consume publishes one message per terminal account event. Failures are
// joined so one bad publish does not hide the rest of the batch.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		var status store.Status
		switch evt.Stage {
		case progress.StageAccountDone:
			status = store.StatusCompleted
		case progress.StageAccountFailed:
			status = store.StatusFailed
		default:
			continue
		}
		msg := AccountEvent{
			RunID:       evt.RunUUID().String(),
			AccountID:   evt.AccountID,
			Status:      string(status),
			PhonesAdded: evt.Phones,
			LastPage:    evt.Page,
			Worker:      evt.Worker,
			Error:       evt.Note,
		}
		id, err := s.pub.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish account %s: %w", evt.AccountID, err))
			continue
		}
		s.logger.Debug("account event published",
			zap.String("account_id", evt.AccountID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}

// Attributes exposes filterable message attributes.
func (e AccountEvent) Attributes() map[string]string {
	return map[string]string{
		"run_id":     e.RunID,
		"account_id": e.AccountID,
		"status":     e.Status,
	}
}

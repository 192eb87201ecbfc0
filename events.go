package delegauth

import (
	"context"
	"io"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventType names an auth transition.
type EventType string

const (
	EventExchange             EventType = "exchange"
	EventExchangeDiscarded    EventType = "exchange_discarded"
	EventRefresh              EventType = "refresh"
	EventRefreshThrottled     EventType = "refresh_throttled"
	EventCleared              EventType = "cleared"
	EventOrganizationsLoaded  EventType = "organizations_loaded"
	EventOrganizationSwitched EventType = "organization_switched"
	EventStoreHealed          EventType = "store_healed"
)

// AuthEvent records one auth transition. It never carries token values.
type AuthEvent struct {
	ID             string            `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	Type           EventType         `json:"type"`
	State          string            `json:"state,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	OrganizationID string            `json:"organization_id,omitempty"`
	Success        bool              `json:"success"`
	Error          string            `json:"error,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func newEvent(typ EventType, success bool, err error) AuthEvent {
	ev := AuthEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Success:   success,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// EventSink receives emitted auth events.
type EventSink interface {
	Emit(ctx context.Context, event AuthEvent)
}

// NoOpSink drops events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuthEvent) {}

// ChannelSink writes events into a buffered channel.
type ChannelSink struct {
	events chan AuthEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuthEvent, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuthEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan AuthEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(_ context.Context, event AuthEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(append(data, '\n'))
}

// LogSink writes events as structured log entries, failures at warn level.
type LogSink struct {
	log logrus.FieldLogger
}

func NewLogSink(log logrus.FieldLogger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Emit(_ context.Context, event AuthEvent) {
	if s == nil || s.log == nil {
		return
	}
	fields := logrus.Fields{
		"event_id": event.ID,
		"event":    string(event.Type),
		"success":  event.Success,
	}
	if event.State != "" {
		fields["state"] = event.State
	}
	if event.UserID != "" {
		fields["user_id"] = event.UserID
	}
	if event.OrganizationID != "" {
		fields["organization_id"] = event.OrganizationID
	}
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}
	entry := s.log.WithFields(fields)
	if event.Error != "" {
		entry.WithField("error", event.Error).Warn("delegauth: auth event")
		return
	}
	entry.Info("delegauth: auth event")
}

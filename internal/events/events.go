// Package events publishes interview domain events to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects published by InterviewPipe.
const (
	SubjectTurnCompleted         = "interview.turn.completed"
	SubjectConversationCompleted = "interview.conversation.completed"
	SubjectGapDetected           = "interview.gap.detected"
)

// TurnCompleted is emitted after each assistant reply is persisted.
type TurnCompleted struct {
	ConversationID string    `json:"conversation_id"`
	BotID          string    `json:"bot_id"`
	Phase          string    `json:"phase"`
	TopicLabel     string    `json:"topic_label,omitempty"`
	QualityScore   int       `json:"quality_score"`
	Drafts         int       `json:"drafts"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	At             time.Time `json:"at"`
}

// ConversationCompleted is emitted once, when a conversation settles as completed.
// Only the names of collected fields are published, never their values.
type ConversationCompleted struct {
	ConversationID  string    `json:"conversation_id"`
	BotID           string    `json:"bot_id"`
	Turns           int       `json:"turns"`
	DeepAccepted    *bool     `json:"deep_accepted,omitempty"`
	CollectedFields []string  `json:"collected_fields"`
	At              time.Time `json:"at"`
}

// GapDetected is emitted when the detector creates a new knowledge gap.
type GapDetected struct {
	GapID    string `json:"gap_id"`
	BotID    string `json:"bot_id"`
	Topic    string `json:"topic"`
	Priority string `json:"priority"`
}

// Publisher sends a JSON-encoded event to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, event any) error
}

// natsConn is the part of *nats.Conn the publisher uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSPublisher publishes events on a NATS connection.
type NATSPublisher struct {
	conn natsConn
}

// NewNATSPublisher connects to NATS with reconnect handling. An empty token skips auth.
func NewNATSPublisher(url, token string) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("interviewpipe"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATSPublisher: disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATSPublisher: reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	slog.Info("NATSPublisher: connected", "url", url)
	return &NATSPublisher{conn: nc}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	slog.Debug("NATSPublisher.Publish", "subject", subject, "bytes", len(payload))
	return nil
}

// Close drops the connection.
func (p *NATSPublisher) Close() {
	p.conn.Close()
}

// NopPublisher discards events. Used when NATS_URL is unset.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, any) error { return nil }

// Event is one event captured by RecordingPublisher.
type Event struct {
	Subject string
	Payload any
}

// RecordingPublisher keeps published events in memory for tests.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (r *RecordingPublisher) Publish(_ context.Context, subject string, event any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Subject: subject, Payload: event})
	return nil
}

// Subjects returns the published subjects in order.
func (r *RecordingPublisher) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Subject)
	}
	return out
}

// Events returns a copy of the captured events.
func (r *RecordingPublisher) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

package messaging

import (
	"context"
	"sync"
)

// SentMessage records one delivery made through MockSender.
type SentMessage struct {
	To   string
	Body string
}

// MockSender records messages instead of delivering them.
type MockSender struct {
	mu   sync.Mutex
	sent []SentMessage
	Err  error // returned by every SendMessage when set
}

func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockSender) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

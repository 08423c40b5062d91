// Package store provides storage backends for InterviewPipe.
//
// Conversations are a durable append-only message log plus a single mutable
// state record. Bots, cached runtime knowledge and knowledge gaps live
// alongside them. InMemoryStore serves tests and single-process runs,
// SQLiteStore and PostgresStore persist across restarts.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/InterviewPipe/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence contract used by the interview engine and the gap detector.
type Store interface {
	SaveBot(bot models.BotConfig) error
	GetBot(id string) (*models.BotConfig, error)
	ListBots() ([]models.BotConfig, error)

	CreateConversation(c models.Conversation) error
	GetConversation(id string) (*models.Conversation, error)
	// FindActiveConversation returns the newest non-completed conversation on a channel.
	FindActiveConversation(botID, channel string) (*models.Conversation, error)
	// UpdateConversationState writes the state record together with UpdatedAt and CompletedAt.
	UpdateConversationState(c models.Conversation) error
	// ListConversationsSince returns conversations of a bot updated at or after since.
	ListConversationsSince(botID string, since time.Time) ([]models.Conversation, error)

	AppendMessage(m models.Message) error
	// RecordTurn appends msgs and writes the state record atomically. Nothing
	// is written when the conversation does not exist.
	RecordTurn(c models.Conversation, msgs ...models.Message) error
	ListMessages(conversationID string) ([]models.Message, error)

	GetRuntimeKnowledge(botID string) (*models.RuntimeKnowledge, error)
	SaveRuntimeKnowledge(botID string, rk models.RuntimeKnowledge) error

	// UpsertKnowledgeGap creates the gap for (BotID, Topic) or merges the evidence
	// into the existing one. created reports which of the two happened.
	UpsertKnowledgeGap(gap models.KnowledgeGap) (stored models.KnowledgeGap, created bool, err error)
	ListKnowledgeGaps(botID string) ([]models.KnowledgeGap, error)

	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // Data source name (file path for SQLite, connection string for Postgres)
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// InMemoryStore keeps everything in process memory.
type InMemoryStore struct {
	mu            sync.RWMutex
	bots          map[string]models.BotConfig
	conversations map[string]models.Conversation
	messages      map[string][]models.Message
	knowledge     map[string]models.RuntimeKnowledge
	gaps          map[string]models.KnowledgeGap // key: botID + "\x00" + topic
}

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		bots:          make(map[string]models.BotConfig),
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
		knowledge:     make(map[string]models.RuntimeKnowledge),
		gaps:          make(map[string]models.KnowledgeGap),
	}
}

func (s *InMemoryStore) SaveBot(bot models.BotConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bots[bot.ID] = bot
	return nil
}

func (s *InMemoryStore) GetBot(id string) (*models.BotConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bot, ok := s.bots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &bot, nil
}

func (s *InMemoryStore) ListBots() ([]models.BotConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.BotConfig, 0, len(s.bots))
	for _, b := range s.bots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) CreateConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.State = c.State.Clone()
	s.conversations[c.ID] = c
	return nil
}

func (s *InMemoryStore) GetConversation(id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c.State = c.State.Clone()
	return &c, nil
}

func (s *InMemoryStore) FindActiveConversation(botID, channel string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.Conversation
	for _, c := range s.conversations {
		if c.Channel != channel || c.State.Phase == models.PhaseCompleted {
			continue
		}
		if botID != "" && c.BotID != botID {
			continue
		}
		if best == nil || c.StartedAt.After(best.StartedAt) {
			c := c
			best = &c
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	best.State = best.State.Clone()
	return best, nil
}

func (s *InMemoryStore) UpdateConversationState(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.conversations[c.ID]
	if !ok {
		return ErrNotFound
	}
	existing.State = c.State.Clone()
	existing.UpdatedAt = c.UpdatedAt
	existing.CompletedAt = c.CompletedAt
	s.conversations[c.ID] = existing
	return nil
}

func (s *InMemoryStore) ListConversationsSince(botID string, since time.Time) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conversation
	for _, c := range s.conversations {
		if c.BotID == botID && !c.UpdatedAt.Before(since) {
			c.State = c.State.Clone()
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *InMemoryStore) AppendMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[m.ConversationID]; !ok {
		return ErrNotFound
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return nil
}

func (s *InMemoryStore) RecordTurn(c models.Conversation, msgs ...models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.conversations[c.ID]
	if !ok {
		return ErrNotFound
	}
	for _, m := range msgs {
		if m.ConversationID != c.ID {
			return fmt.Errorf("message %s belongs to %s, not %s", m.ID, m.ConversationID, c.ID)
		}
	}
	s.messages[c.ID] = append(s.messages[c.ID], msgs...)
	existing.State = c.State.Clone()
	existing.UpdatedAt = c.UpdatedAt
	existing.CompletedAt = c.CompletedAt
	s.conversations[c.ID] = existing
	return nil
}

func (s *InMemoryStore) ListMessages(conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *InMemoryStore) GetRuntimeKnowledge(botID string) (*models.RuntimeKnowledge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rk, ok := s.knowledge[botID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rk, nil
}

func (s *InMemoryStore) SaveRuntimeKnowledge(botID string, rk models.RuntimeKnowledge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knowledge[botID] = rk
	return nil
}

func (s *InMemoryStore) UpsertKnowledgeGap(gap models.KnowledgeGap) (models.KnowledgeGap, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := gap.BotID + "\x00" + string(gap.Topic)
	existing, ok := s.gaps[key]
	if !ok {
		fresh := newGap(gap, time.Now().UTC())
		s.gaps[key] = fresh
		return fresh, true, nil
	}
	merged := mergeGap(existing, gap, time.Now().UTC())
	s.gaps[key] = merged
	return merged, false, nil
}

func (s *InMemoryStore) ListKnowledgeGaps(botID string) ([]models.KnowledgeGap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.KnowledgeGap
	for _, g := range s.gaps {
		if g.BotID == botID {
			out = append(out, g)
		}
	}
	sortGaps(out)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

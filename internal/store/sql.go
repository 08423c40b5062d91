package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/InterviewPipe/internal/models"
)

const (
	conversationColumns = `id, bot_id, channel, language, plan, state, started_at, updated_at, completed_at`
	messageColumns      = `id, conversation_id, role, content, phase, topic_label, input_tokens, output_tokens, created_at`
	gapColumns          = `id, bot_id, topic, priority, reasoning, evidence, suggested_faq, status, created_at, updated_at`
)

// sqlStore holds the queries shared by SQLiteStore and PostgresStore.
// Queries are written with ? placeholders and rebound for Postgres.
type sqlStore struct {
	db       *sql.DB
	name     string // used as the log prefix
	postgres bool
}

func (s *sqlStore) q(query string) string {
	if s.postgres {
		return rebind(query)
	}
	return query
}

// lockClause row-locks the selected gap on Postgres. SQLite serialises writers itself.
func (s *sqlStore) lockClause() string {
	if s.postgres {
		return " FOR UPDATE"
	}
	return ""
}

func (s *sqlStore) SaveBot(bot models.BotConfig) error {
	cfg, err := marshalColumn(bot)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(s.q(`INSERT INTO bots (id, config, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`),
		bot.ID, cfg, time.Now().UTC())
	if err != nil {
		slog.Error(s.name+".SaveBot failed", "error", err, "botID", bot.ID)
		return fmt.Errorf("failed to save bot %s: %w", bot.ID, err)
	}
	slog.Debug(s.name+".SaveBot succeeded", "botID", bot.ID)
	return nil
}

func (s *sqlStore) GetBot(id string) (*models.BotConfig, error) {
	var cfg string
	err := s.db.QueryRow(s.q(`SELECT config FROM bots WHERE id = ?`), id).Scan(&cfg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+".GetBot failed", "error", err, "botID", id)
		return nil, fmt.Errorf("failed to load bot %s: %w", id, err)
	}
	var bot models.BotConfig
	if err := json.Unmarshal([]byte(cfg), &bot); err != nil {
		return nil, fmt.Errorf("failed to decode bot %s: %w", id, err)
	}
	return &bot, nil
}

func (s *sqlStore) ListBots() ([]models.BotConfig, error) {
	rows, err := s.db.Query(`SELECT config FROM bots ORDER BY id`)
	if err != nil {
		slog.Error(s.name+".ListBots query failed", "error", err)
		return nil, fmt.Errorf("failed to query bots: %w", err)
	}
	defer rows.Close()

	var bots []models.BotConfig
	for rows.Next() {
		var cfg string
		if err := rows.Scan(&cfg); err != nil {
			return nil, fmt.Errorf("failed to scan bot row: %w", err)
		}
		var bot models.BotConfig
		if err := json.Unmarshal([]byte(cfg), &bot); err != nil {
			return nil, fmt.Errorf("failed to decode bot: %w", err)
		}
		bots = append(bots, bot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bot rows: %w", err)
	}
	return bots, nil
}

func (s *sqlStore) CreateConversation(c models.Conversation) error {
	plan, err := marshalColumn(c.Plan)
	if err != nil {
		return err
	}
	state, err := marshalColumn(c.State)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(s.q(`INSERT INTO conversations
		(id, bot_id, channel, language, plan, state, phase, started_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.BotID, nilIfEmpty(c.Channel), c.Language, plan, state, string(c.State.Phase),
		c.StartedAt.UTC(), c.UpdatedAt.UTC(), nullTime(c.CompletedAt))
	if err != nil {
		slog.Error(s.name+".CreateConversation failed", "error", err, "conversationID", c.ID)
		return fmt.Errorf("failed to create conversation %s: %w", c.ID, err)
	}
	slog.Debug(s.name+".CreateConversation succeeded", "conversationID", c.ID, "botID", c.BotID)
	return nil
}

func (s *sqlStore) GetConversation(id string) (*models.Conversation, error) {
	row := s.db.QueryRow(s.q(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+".GetConversation failed", "error", err, "conversationID", id)
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *sqlStore) FindActiveConversation(botID, channel string) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE channel = ? AND phase <> ?`
	args := []any{channel, string(models.PhaseCompleted)}
	if botID != "" {
		query += ` AND bot_id = ?`
		args = append(args, botID)
	}
	query += ` ORDER BY started_at DESC LIMIT 1`
	c, err := scanConversation(s.db.QueryRow(s.q(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+".FindActiveConversation failed", "error", err, "channel", channel)
		return nil, fmt.Errorf("failed to find conversation for %s: %w", channel, err)
	}
	return &c, nil
}

func (s *sqlStore) UpdateConversationState(c models.Conversation) error {
	state, err := marshalColumn(c.State)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(s.q(`UPDATE conversations SET state = ?, phase = ?, updated_at = ?, completed_at = ? WHERE id = ?`),
		state, string(c.State.Phase), c.UpdatedAt.UTC(), nullTime(c.CompletedAt), c.ID)
	if err != nil {
		slog.Error(s.name+".UpdateConversationState failed", "error", err, "conversationID", c.ID)
		return fmt.Errorf("failed to update conversation %s: %w", c.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	slog.Debug(s.name+".UpdateConversationState succeeded", "conversationID", c.ID, "phase", c.State.Phase)
	return nil
}

func (s *sqlStore) ListConversationsSince(botID string, since time.Time) ([]models.Conversation, error) {
	rows, err := s.db.Query(s.q(`SELECT `+conversationColumns+` FROM conversations
		WHERE bot_id = ? AND updated_at >= ? ORDER BY started_at`), botID, since.UTC())
	if err != nil {
		slog.Error(s.name+".ListConversationsSince query failed", "error", err, "botID", botID)
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) AppendMessage(m models.Message) error {
	_, err := s.db.Exec(s.q(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.ConversationID, string(m.Role), m.Content, string(m.Phase), nilIfEmpty(m.TopicLabel),
		m.InputTokens, m.OutputTokens, m.CreatedAt.UTC())
	if err != nil {
		slog.Error(s.name+".AppendMessage failed", "error", err, "conversationID", m.ConversationID)
		return fmt.Errorf("failed to append message to %s: %w", m.ConversationID, err)
	}
	return nil
}

func (s *sqlStore) RecordTurn(c models.Conversation, msgs ...models.Message) error {
	state, err := marshalColumn(c.State)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin turn for %s: %w", c.ID, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(s.q(`UPDATE conversations SET state = ?, phase = ?, updated_at = ?, completed_at = ? WHERE id = ?`),
		state, string(c.State.Phase), c.UpdatedAt.UTC(), nullTime(c.CompletedAt), c.ID)
	if err != nil {
		slog.Error(s.name+".RecordTurn state update failed", "error", err, "conversationID", c.ID)
		return fmt.Errorf("failed to update conversation %s: %w", c.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	for _, m := range msgs {
		if m.ConversationID != c.ID {
			return fmt.Errorf("message %s belongs to %s, not %s", m.ID, m.ConversationID, c.ID)
		}
		if _, err := tx.Exec(s.q(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			m.ID, m.ConversationID, string(m.Role), m.Content, string(m.Phase), nilIfEmpty(m.TopicLabel),
			m.InputTokens, m.OutputTokens, m.CreatedAt.UTC()); err != nil {
			slog.Error(s.name+".RecordTurn message insert failed", "error", err, "conversationID", c.ID)
			return fmt.Errorf("failed to append message to %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn for %s: %w", c.ID, err)
	}
	slog.Debug(s.name+".RecordTurn succeeded", "conversationID", c.ID, "phase", c.State.Phase, "messages", len(msgs))
	return nil
}

func (s *sqlStore) ListMessages(conversationID string) ([]models.Message, error) {
	rows, err := s.db.Query(s.q(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY seq`), conversationID)
	if err != nil {
		slog.Error(s.name+".ListMessages query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	out := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) GetRuntimeKnowledge(botID string) (*models.RuntimeKnowledge, error) {
	var data string
	err := s.db.QueryRow(s.q(`SELECT knowledge FROM runtime_knowledge WHERE bot_id = ?`), botID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load runtime knowledge for %s: %w", botID, err)
	}
	var rk models.RuntimeKnowledge
	if err := json.Unmarshal([]byte(data), &rk); err != nil {
		return nil, fmt.Errorf("failed to decode runtime knowledge for %s: %w", botID, err)
	}
	return &rk, nil
}

func (s *sqlStore) SaveRuntimeKnowledge(botID string, rk models.RuntimeKnowledge) error {
	data, err := marshalColumn(rk)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(s.q(`INSERT INTO runtime_knowledge (bot_id, signature, knowledge, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (bot_id) DO UPDATE SET signature = excluded.signature, knowledge = excluded.knowledge, updated_at = excluded.updated_at`),
		botID, rk.Signature, data, time.Now().UTC())
	if err != nil {
		slog.Error(s.name+".SaveRuntimeKnowledge failed", "error", err, "botID", botID)
		return fmt.Errorf("failed to save runtime knowledge for %s: %w", botID, err)
	}
	return nil
}

// UpsertKnowledgeGap runs insert-or-merge in one transaction so a re-run
// never duplicates a (bot, topic) row.
func (s *sqlStore) UpsertKnowledgeGap(gap models.KnowledgeGap) (models.KnowledgeGap, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return gap, false, fmt.Errorf("failed to begin gap upsert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	fresh := newGap(gap, now)
	evidence, err := marshalColumn(fresh.Evidence)
	if err != nil {
		return gap, false, err
	}
	faq, err := marshalColumn(fresh.SuggestedFAQ)
	if err != nil {
		return gap, false, err
	}
	res, err := tx.Exec(s.q(`INSERT INTO knowledge_gaps (`+gapColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bot_id, topic) DO NOTHING`),
		fresh.ID, fresh.BotID, string(fresh.Topic), string(fresh.Priority), nilIfEmpty(fresh.Reasoning),
		evidence, faq, string(fresh.Status), now, now)
	if err != nil {
		slog.Error(s.name+".UpsertKnowledgeGap insert failed", "error", err, "botID", gap.BotID, "topic", gap.Topic)
		return gap, false, fmt.Errorf("failed to insert knowledge gap: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		if err := tx.Commit(); err != nil {
			return gap, false, fmt.Errorf("failed to commit knowledge gap: %w", err)
		}
		slog.Debug(s.name+".UpsertKnowledgeGap created", "botID", gap.BotID, "topic", gap.Topic)
		return fresh, true, nil
	}

	row := tx.QueryRow(s.q(`SELECT `+gapColumns+` FROM knowledge_gaps WHERE bot_id = ? AND topic = ?`+s.lockClause()),
		gap.BotID, string(gap.Topic))
	existing, err := scanGap(row)
	if err != nil {
		return gap, false, fmt.Errorf("failed to load knowledge gap: %w", err)
	}
	merged := mergeGap(existing, gap, now)
	if evidence, err = marshalColumn(merged.Evidence); err != nil {
		return gap, false, err
	}
	if faq, err = marshalColumn(merged.SuggestedFAQ); err != nil {
		return gap, false, err
	}
	_, err = tx.Exec(s.q(`UPDATE knowledge_gaps SET priority = ?, reasoning = ?, evidence = ?, suggested_faq = ?, updated_at = ? WHERE id = ?`),
		string(merged.Priority), nilIfEmpty(merged.Reasoning), evidence, faq, now, merged.ID)
	if err != nil {
		slog.Error(s.name+".UpsertKnowledgeGap update failed", "error", err, "gapID", merged.ID)
		return gap, false, fmt.Errorf("failed to update knowledge gap %s: %w", merged.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return gap, false, fmt.Errorf("failed to commit knowledge gap: %w", err)
	}
	slog.Debug(s.name+".UpsertKnowledgeGap merged", "gapID", merged.ID, "fallbackCount", merged.Evidence.FallbackCount)
	return merged, false, nil
}

func (s *sqlStore) ListKnowledgeGaps(botID string) ([]models.KnowledgeGap, error) {
	rows, err := s.db.Query(s.q(`SELECT `+gapColumns+` FROM knowledge_gaps WHERE bot_id = ?`), botID)
	if err != nil {
		slog.Error(s.name+".ListKnowledgeGaps query failed", "error", err, "botID", botID)
		return nil, fmt.Errorf("failed to query knowledge gaps: %w", err)
	}
	defer rows.Close()

	var out []models.KnowledgeGap
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan knowledge gap row: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate knowledge gap rows: %w", err)
	}
	sortGaps(out)
	return out, nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing database connection", "store", s.name)
	err := s.db.Close()
	if err != nil {
		slog.Error(s.name+".Close failed", "error", err)
	}
	return err
}

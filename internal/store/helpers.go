package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/InterviewPipe/internal/models"
	"github.com/google/uuid"
)

// MaxGapQuestions caps the example questions kept as evidence for one gap.
const MaxGapQuestions = 20

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullTime converts an optional timestamp into a nullable column value.
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// rebind rewrites ? placeholders into $1..$n for Postgres.
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func marshalColumn(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal column: %w", err)
	}
	return string(data), nil
}

func priorityRank(p models.GapPriority) int {
	switch p {
	case models.GapPriorityHigh:
		return 0
	case models.GapPriorityMedium:
		return 1
	default:
		return 2
	}
}

// newGap fills the defaults of a freshly detected gap.
func newGap(g models.KnowledgeGap, now time.Time) models.KnowledgeGap {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Status == "" {
		g.Status = models.GapStatusPending
	}
	g.Evidence.FallbackCount = max(g.Evidence.FallbackCount, 1)
	g.Evidence.Questions = appendQuestions(nil, g.Evidence.Questions)
	g.CreatedAt = now
	g.UpdatedAt = now
	return g
}

// mergeGap folds a repeat detection into the stored gap.
// The count grows, new questions are appended and the higher priority wins.
func mergeGap(existing, incoming models.KnowledgeGap, now time.Time) models.KnowledgeGap {
	existing.Evidence.FallbackCount += max(incoming.Evidence.FallbackCount, 1)
	existing.Evidence.Questions = appendQuestions(existing.Evidence.Questions, incoming.Evidence.Questions)
	if priorityRank(incoming.Priority) < priorityRank(existing.Priority) {
		existing.Priority = incoming.Priority
		existing.Reasoning = incoming.Reasoning
	}
	if existing.SuggestedFAQ.Question == "" {
		existing.SuggestedFAQ = incoming.SuggestedFAQ
	}
	existing.UpdatedAt = now
	return existing
}

func appendQuestions(dst, src []string) []string {
	for _, q := range src {
		if q == "" || slices.Contains(dst, q) {
			continue
		}
		if len(dst) >= MaxGapQuestions {
			break
		}
		dst = append(dst, q)
	}
	if dst == nil {
		dst = []string{}
	}
	return dst
}

// sortGaps orders gaps by priority, then by how often they were hit.
func sortGaps(gaps []models.KnowledgeGap) {
	sort.SliceStable(gaps, func(i, j int) bool {
		ri, rj := priorityRank(gaps[i].Priority), priorityRank(gaps[j].Priority)
		if ri != rj {
			return ri < rj
		}
		if gaps[i].Evidence.FallbackCount != gaps[j].Evidence.FallbackCount {
			return gaps[i].Evidence.FallbackCount > gaps[j].Evidence.FallbackCount
		}
		return gaps[i].Topic < gaps[j].Topic
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var channel sql.NullString
	var planJSON, stateJSON string
	var completedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.BotID, &channel, &c.Language, &planJSON, &stateJSON,
		&c.StartedAt, &c.UpdatedAt, &completedAt); err != nil {
		return c, err
	}
	c.Channel = channel.String
	if err := json.Unmarshal([]byte(planJSON), &c.Plan); err != nil {
		return c, fmt.Errorf("failed to decode topic plan of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &c.State); err != nil {
		return c, fmt.Errorf("failed to decode state of %s: %w", c.ID, err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}
	return c, nil
}

func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var role, phase string
	var topicLabel sql.NullString
	if err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &phase, &topicLabel,
		&m.InputTokens, &m.OutputTokens, &m.CreatedAt); err != nil {
		return m, err
	}
	m.Role = models.Role(role)
	m.Phase = models.Phase(phase)
	m.TopicLabel = topicLabel.String
	return m, nil
}

func scanGap(row rowScanner) (models.KnowledgeGap, error) {
	var g models.KnowledgeGap
	var topic, priority, status string
	var reasoning sql.NullString
	var evidenceJSON, faqJSON string
	if err := row.Scan(&g.ID, &g.BotID, &topic, &priority, &reasoning, &evidenceJSON, &faqJSON,
		&status, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return g, err
	}
	g.Topic = models.GapCategory(topic)
	g.Priority = models.GapPriority(priority)
	g.Status = models.GapStatus(status)
	g.Reasoning = reasoning.String
	if err := json.Unmarshal([]byte(evidenceJSON), &g.Evidence); err != nil {
		return g, fmt.Errorf("failed to decode evidence of gap %s: %w", g.ID, err)
	}
	if err := json.Unmarshal([]byte(faqJSON), &g.SuggestedFAQ); err != nil {
		return g, fmt.Errorf("failed to decode suggested FAQ of gap %s: %w", g.ID, err)
	}
	return g, nil
}

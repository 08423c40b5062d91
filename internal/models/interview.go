package models

import (
	"fmt"
	"strings"
	"time"
)

// Phase is a state of the interview phase machine.
type Phase string

// Phase constants. SCAN and DEEP repeat per topic; COMPLETED is terminal.
const (
	PhaseScan           Phase = "SCAN"
	PhaseDeepOffer      Phase = "DEEP_OFFER"
	PhaseDeep           Phase = "DEEP"
	PhaseDataCollection Phase = "DATA_COLLECTION"
	PhaseClosing        Phase = "CLOSING"
	PhaseCompleted      Phase = "COMPLETED"
)

// IsTopicPhase reports whether the phase explores a topic (SCAN or DEEP).
func (p Phase) IsTopicPhase() bool {
	return p == PhaseScan || p == PhaseDeep
}

// IsValid checks if the given phase is one of the known phases.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseScan, PhaseDeepOffer, PhaseDeep, PhaseDataCollection, PhaseClosing, PhaseCompleted:
		return true
	default:
		return false
	}
}

// Topic is one entry of a topic plan. Immutable once the plan is generated.
type Topic struct {
	ID         string   `json:"topicId"`
	Label      string   `json:"label"`
	OrderIndex int      `json:"orderIndex"`
	SubGoals   []string `json:"subGoals"`
	MinTurns   int      `json:"minTurns"`
	MaxTurns   int      `json:"maxTurns"`
}

// PlanMeta carries the time budget and the signature of a topic plan.
type PlanMeta struct {
	GeneratedAt     time.Time `json:"generatedAt"`
	MaxDurationMins int       `json:"maxDurationMins"`
	TotalTimeSec    int       `json:"totalTimeSec"`
	PerTopicTimeSec int       `json:"perTopicTimeSec"`
	SecondsPerTurn  int       `json:"secondsPerTurn"`
	TopicsSignature string    `json:"topicsSignature"`
}

// ScanPlan lists the topics explored during SCAN.
type ScanPlan struct {
	Topics []Topic `json:"topics"`
}

// DeepPlan holds the DEEP phase budget.
type DeepPlan struct {
	Strategy         string  `json:"strategy"`
	MaxTurnsPerTopic int     `json:"maxTurnsPerTopic"`
	FallbackTurns    int     `json:"fallbackTurns"`
	Topics           []Topic `json:"topics"`
}

// TopicPlan is computed once per conversation and never mutated.
type TopicPlan struct {
	Version int      `json:"version"`
	Meta    PlanMeta `json:"meta"`
	Scan    ScanPlan `json:"scan"`
	Deep    DeepPlan `json:"deep"`
}

// Topic returns the topic with the given id.
func (p TopicPlan) Topic(id string) (Topic, bool) {
	for _, t := range p.Scan.Topics {
		if t.ID == id {
			return t, true
		}
	}
	return Topic{}, false
}

// NextTopic returns the topic that follows id in plan order.
func (p TopicPlan) NextTopic(id string) (Topic, bool) {
	for i, t := range p.Scan.Topics {
		if t.ID == id && i+1 < len(p.Scan.Topics) {
			return p.Scan.Topics[i+1], true
		}
	}
	return Topic{}, false
}

// FirstTopic returns the first topic of the plan.
func (p TopicPlan) FirstTopic() (Topic, bool) {
	if len(p.Scan.Topics) == 0 {
		return Topic{}, false
	}
	return p.Scan.Topics[0], true
}

// ConversationState is the single mutable record of a conversation.
// It is replaced once per completed turn by the phase machine.
type ConversationState struct {
	Phase                 Phase                     `json:"phase"`
	CurrentTopicID        string                    `json:"currentTopicId"`
	TurnsInTopic          int                       `json:"turnsInTopic"`
	DeepAccepted          *bool                     `json:"deepAccepted"`
	ConsentGiven          bool                      `json:"consentGiven"`
	DataCollectionRefused bool                      `json:"dataCollectionRefused"`
	CandidateFieldIDs     []string                  `json:"candidateFieldIds"`
	MissingField          string                    `json:"missingField,omitempty"` // empty when no required field is missing
	RemainingSec          int                       `json:"remainingSec"`
	ExploredSubGoals      map[string][]string       `json:"exploredSubGoals,omitempty"`
	DeepCoverage          map[string]map[string]int `json:"deepCoverage,omitempty"`
	LastSubGoal           string                    `json:"lastSubGoal,omitempty"`
	DeepOfferedTopics     []string                  `json:"deepOfferedTopics,omitempty"`
	Collected             map[string]string         `json:"collected,omitempty"`
	TurnCount             int                       `json:"turnCount"`
}

// Clone returns a deep copy so transitions never alias the previous state.
func (s ConversationState) Clone() ConversationState {
	out := s
	if s.DeepAccepted != nil {
		v := *s.DeepAccepted
		out.DeepAccepted = &v
	}
	out.CandidateFieldIDs = append([]string(nil), s.CandidateFieldIDs...)
	out.DeepOfferedTopics = append([]string(nil), s.DeepOfferedTopics...)
	if s.ExploredSubGoals != nil {
		out.ExploredSubGoals = make(map[string][]string, len(s.ExploredSubGoals))
		for k, v := range s.ExploredSubGoals {
			out.ExploredSubGoals[k] = append([]string(nil), v...)
		}
	}
	if s.DeepCoverage != nil {
		out.DeepCoverage = make(map[string]map[string]int, len(s.DeepCoverage))
		for k, v := range s.DeepCoverage {
			m := make(map[string]int, len(v))
			for g, n := range v {
				m[g] = n
			}
			out.DeepCoverage[k] = m
		}
	}
	if s.Collected != nil {
		out.Collected = make(map[string]string, len(s.Collected))
		for k, v := range s.Collected {
			out.Collected[k] = v
		}
	}
	return out
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is an append-only conversation entry.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Phase          Phase     `json:"phase,omitempty"`      // assistant only
	TopicLabel     string    `json:"topicLabel,omitempty"` // assistant only
	InputTokens    int       `json:"inputTokens,omitempty"`
	OutputTokens   int       `json:"outputTokens,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Conversation binds a bot, its topic plan and the current state.
type Conversation struct {
	ID          string            `json:"id"`
	BotID       string            `json:"botId"`
	Channel     string            `json:"channel,omitempty"`
	Language    string            `json:"language"`
	Plan        TopicPlan         `json:"plan"`
	State       ConversationState `json:"state"`
	StartedAt   time.Time         `json:"startedAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// KnowledgeSource records where runtime knowledge came from.
type KnowledgeSource string

const (
	KnowledgeSourceManual    KnowledgeSource = "manual"
	KnowledgeSourceGenerated KnowledgeSource = "generated"
	KnowledgeSourceFallback  KnowledgeSource = "fallback"
)

// TopicKnowledge holds interpretation cues for one topic.
type TopicKnowledge struct {
	TopicID            string   `json:"topicId"`
	TopicLabel         string   `json:"topicLabel"`
	InterpretationCues []string `json:"interpretationCues"`
}

// RuntimeKnowledge is valid only while Signature matches the plan's topicsSignature.
type RuntimeKnowledge struct {
	Signature string           `json:"signature"`
	Source    KnowledgeSource  `json:"source"`
	Topics    []TopicKnowledge `json:"topics"`
}

// DataField is a candidate contact field the bot may collect.
type DataField struct {
	Field    string `json:"field"`
	Question string `json:"question"`
	Required bool   `json:"required"`
}

// TopicConfig is the admin-authored description of a topic.
type TopicConfig struct {
	ID                 string   `json:"id,omitempty"`
	Label              string   `json:"label"`
	SubGoals           []string `json:"subGoals"`
	MinTurns           int      `json:"minTurns,omitempty"`
	MaxTurns           int      `json:"maxTurns,omitempty"`
	InterpretationCues []string `json:"interpretationCues,omitempty"`
}

// BotConfig is admin-authored and consumed read-only by the engine.
type BotConfig struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	ResearchGoal        string        `json:"researchGoal"`
	TargetAudience      string        `json:"targetAudience"`
	Tone                string        `json:"tone"`
	Language            string        `json:"language"`
	FallbackMessage     string        `json:"fallbackMessage"`
	MaxDurationMins     int           `json:"maxDurationMins"`
	Topics              []TopicConfig `json:"topics"`
	CandidateDataFields []DataField   `json:"candidateDataFields"`
}

// ShouldCollectData reports whether the bot asks for contact data at the end.
func (b BotConfig) ShouldCollectData() bool {
	return len(b.CandidateDataFields) > 0
}

// Field returns the candidate data field with the given name.
func (b BotConfig) Field(name string) (DataField, bool) {
	for _, f := range b.CandidateDataFields {
		if f.Field == name {
			return f, true
		}
	}
	return DataField{}, false
}

// Validate checks the bot configuration for structural errors.
func (b BotConfig) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return ErrEmptyBotID
	}
	if len(b.Topics) == 0 {
		return ErrNoTopics
	}
	seen := make(map[string]bool, len(b.Topics))
	for i, t := range b.Topics {
		if strings.TrimSpace(t.Label) == "" {
			return fmt.Errorf("topic %d: %w", i, ErrEmptyTopicLabel)
		}
		if t.ID != "" {
			if seen[t.ID] {
				return fmt.Errorf("topic %q: %w", t.ID, ErrDuplicateTopicID)
			}
			seen[t.ID] = true
		}
		if t.MaxTurns > 0 && t.MaxTurns < t.MinTurns {
			return fmt.Errorf("topic %q: %w", t.Label, ErrInvalidTurnBounds)
		}
	}
	for _, f := range b.CandidateDataFields {
		if strings.TrimSpace(f.Field) == "" {
			return ErrEmptyDataField
		}
	}
	return nil
}

// GapPriority ranks a knowledge gap.
type GapPriority string

const (
	GapPriorityHigh   GapPriority = "high"
	GapPriorityMedium GapPriority = "medium"
	GapPriorityLow    GapPriority = "low"
)

// GapStatus is the review status of a knowledge gap.
type GapStatus string

const (
	GapStatusPending   GapStatus = "pending"
	GapStatusApproved  GapStatus = "approved"
	GapStatusDismissed GapStatus = "dismissed"
)

// GapCategory is the fixed knowledge gap taxonomy.
type GapCategory string

const (
	GapCategoryProductInfo GapCategory = "PRODUCT_INFO"
	GapCategoryPricing     GapCategory = "PRICING"
	GapCategoryProcess     GapCategory = "PROCESS"
	GapCategoryPolicy      GapCategory = "POLICY"
	GapCategoryContact     GapCategory = "CONTACT"
	GapCategoryTechnical   GapCategory = "TECHNICAL"
	GapCategoryCompany     GapCategory = "COMPANY"
	GapCategoryOther       GapCategory = "OTHER"
)

// GapCategories lists the taxonomy in a stable order.
var GapCategories = []GapCategory{
	GapCategoryProductInfo, GapCategoryPricing, GapCategoryProcess, GapCategoryPolicy,
	GapCategoryContact, GapCategoryTechnical, GapCategoryCompany, GapCategoryOther,
}

// GapEvidence accumulates the fallback occurrences behind a gap.
type GapEvidence struct {
	FallbackCount int      `json:"fallbackCount"`
	Questions     []string `json:"questions"`
}

// SuggestedFAQ is a draft entry an admin can add to the knowledge base.
type SuggestedFAQ struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// KnowledgeGap is unique per (BotID, Topic).
type KnowledgeGap struct {
	ID           string       `json:"id"`
	BotID        string       `json:"botId"`
	Topic        GapCategory  `json:"topic"`
	Priority     GapPriority  `json:"priority"`
	Reasoning    string       `json:"reasoning,omitempty"`
	Evidence     GapEvidence  `json:"evidence"`
	SuggestedFAQ SuggestedFAQ `json:"suggestedFaq"`
	Status       GapStatus    `json:"status"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

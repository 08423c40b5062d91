// Package knowledge builds the per-topic interpretation cues used while
// exploring topics. Results are cached against the plan's topicsSignature.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/InterviewPipe/internal/genai"
	"github.com/BTreeMap/InterviewPipe/internal/models"
	"github.com/BTreeMap/InterviewPipe/internal/sanitize"
)

const (
	MaxCuesPerTopic = 6
	MaxCueLength    = 200
	DefaultTimeout  = 20 * time.Second
)

// Valid reports whether rk still matches the plan.
func Valid(rk models.RuntimeKnowledge, p models.TopicPlan) bool {
	return rk.Signature != "" && rk.Signature == p.Meta.TopicsSignature && len(rk.Topics) == len(p.Scan.Topics)
}

// CuesFor returns the interpretation cues of a topic, or nil.
func CuesFor(rk models.RuntimeKnowledge, topicID string) []string {
	for _, t := range rk.Topics {
		if t.TopicID == topicID {
			return t.InterpretationCues
		}
	}
	return nil
}

// Fallback derives cues from the plan's sub-goals alone.
func Fallback(p models.TopicPlan) models.RuntimeKnowledge {
	rk := models.RuntimeKnowledge{
		Signature: p.Meta.TopicsSignature,
		Source:    models.KnowledgeSourceFallback,
		Topics:    make([]models.TopicKnowledge, 0, len(p.Scan.Topics)),
	}
	for _, t := range p.Scan.Topics {
		rk.Topics = append(rk.Topics, models.TopicKnowledge{
			TopicID:            t.ID,
			TopicLabel:         t.Label,
			InterpretationCues: fallbackCues(t),
		})
	}
	return rk
}

func fallbackCues(t models.Topic) []string {
	cues := make([]string, 0, len(t.SubGoals)+1)
	for _, sg := range t.SubGoals {
		if len(cues) >= MaxCuesPerTopic {
			break
		}
		cues = append(cues, fmt.Sprintf("Mentions of %s", sg))
	}
	if len(cues) == 0 {
		cues = append(cues, fmt.Sprintf("Concrete experiences related to %s", t.Label))
	}
	return cues
}

var cuesSchema = &genai.Schema{
	Name: "interpretation_cues",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"topics": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"topicId":            map[string]any{"type": "string"},
						"interpretationCues": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
					"required":             []string{"topicId", "interpretationCues"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"topics"},
		"additionalProperties": false,
	},
}

type generatedCues struct {
	Topics []struct {
		TopicID            string   `json:"topicId"`
		InterpretationCues []string `json:"interpretationCues"`
	} `json:"topics"`
}

// Builder derives runtime knowledge from manual cues or the completion backend.
type Builder struct {
	completer genai.Completer
	timeout   time.Duration
}

// NewBuilder creates a Builder. A nil completer limits it to manual and fallback cues.
func NewBuilder(c genai.Completer, timeout time.Duration) *Builder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Builder{completer: c, timeout: timeout}
}

// Ensure returns cached when it is still valid for the plan. Otherwise it
// rebuilds: manual cues when every topic has them, generated cues with manual
// overrides, or Fallback on backend failure. rebuilt reports a cache miss.
func (b *Builder) Ensure(ctx context.Context, bot models.BotConfig, p models.TopicPlan, cached *models.RuntimeKnowledge) (rk models.RuntimeKnowledge, usage genai.Usage, rebuilt bool) {
	if cached != nil && Valid(*cached, p) {
		return *cached, genai.Usage{}, false
	}
	if cached != nil {
		slog.Debug("Builder.Ensure: signature mismatch, rebuilding", "botID", bot.ID,
			"cached", cached.Signature, "plan", p.Meta.TopicsSignature)
	}

	manual := manualCues(bot, p)
	if len(manual) == len(p.Scan.Topics) {
		return withOverrides(Fallback(p), manual, models.KnowledgeSourceManual), genai.Usage{}, true
	}

	if b == nil || b.completer == nil {
		return withOverrides(Fallback(p), manual, models.KnowledgeSourceFallback), genai.Usage{}, true
	}

	generated, usage, err := b.generate(ctx, bot, p)
	if err != nil {
		slog.Warn("Builder.Ensure: generation failed, using fallback cues", "botID", bot.ID, "error", err)
		return withOverrides(Fallback(p), manual, models.KnowledgeSourceFallback), usage, true
	}
	for id, cues := range generated {
		if _, ok := manual[id]; !ok {
			manual[id] = cues
		}
	}
	return withOverrides(Fallback(p), manual, models.KnowledgeSourceGenerated), usage, true
}

func (b *Builder) generate(ctx context.Context, bot models.BotConfig, p models.TopicPlan) (map[string][]string, genai.Usage, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Research goal: %s\nTarget audience: %s\nTopics:\n",
		sanitize.Config(bot.ResearchGoal, 0), sanitize.Config(bot.TargetAudience, 0))
	for _, t := range p.Scan.Topics {
		fmt.Fprintf(&sb, "- id=%s label=%q subGoals=%q\n", t.ID, t.Label, t.SubGoals)
	}
	req := genai.Request{
		System: "For each interview topic, list up to " + fmt.Sprint(MaxCuesPerTopic) +
			" short cues describing which user statements are relevant signals for that topic. " +
			"Write the cues in language '" + sanitize.Config(bot.Language, 10) + "'.",
		Prompt:      sb.String(),
		Schema:      cuesSchema,
		Temperature: genai.Float(0.2),
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var out generatedCues
	usage, err := genai.CompleteJSON(ctx, b.completer, req, &out)
	if err != nil {
		return nil, usage, err
	}
	cues := make(map[string][]string, len(out.Topics))
	for _, t := range out.Topics {
		if _, ok := p.Topic(t.TopicID); !ok {
			continue
		}
		if c := sanitize.Array(t.InterpretationCues, MaxCueLength, MaxCuesPerTopic); len(c) > 0 {
			cues[t.TopicID] = c
		}
	}
	if len(cues) == 0 {
		return nil, usage, fmt.Errorf("no usable cues generated")
	}
	return cues, usage, nil
}

// manualCues maps plan topic IDs to admin-authored cues, matching by label
// since plan IDs may be generated.
func manualCues(bot models.BotConfig, p models.TopicPlan) map[string][]string {
	byLabel := make(map[string][]string, len(bot.Topics))
	for _, tc := range bot.Topics {
		cues := make([]string, 0, len(tc.InterpretationCues))
		for _, c := range tc.InterpretationCues {
			if len(cues) >= MaxCuesPerTopic {
				break
			}
			if s := sanitize.Config(c, MaxCueLength); s != "" {
				cues = append(cues, s)
			}
		}
		if len(cues) > 0 {
			byLabel[sanitize.Config(tc.Label, 200)] = cues
		}
	}
	out := make(map[string][]string)
	for _, t := range p.Scan.Topics {
		if cues, ok := byLabel[t.Label]; ok {
			out[t.ID] = cues
		}
	}
	return out
}

func withOverrides(rk models.RuntimeKnowledge, cues map[string][]string, source models.KnowledgeSource) models.RuntimeKnowledge {
	rk.Source = source
	for i, t := range rk.Topics {
		if c, ok := cues[t.TopicID]; ok {
			rk.Topics[i].InterpretationCues = c
		}
	}
	return rk
}

// Package plan builds the immutable per-conversation topic plan.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/InterviewPipe/internal/models"
	"github.com/BTreeMap/InterviewPipe/internal/sanitize"
)

const (
	Version                = 1
	DefaultMaxDurationMins = 10
	DefaultSecondsPerTurn  = 45
	DefaultFallbackTurns   = 2
	MinDeepTurns           = 1
	MaxDeepTurns           = 4
	StrategyLeastCovered   = "least_covered_rotation"

	maxLabelLength   = 200
	maxSubGoalLength = 300
	maxSubGoals      = 12
)

// Build computes the topic plan for a new conversation. The result is
// never mutated afterwards; a changed bot yields a new plan.
func Build(bot models.BotConfig, now time.Time) models.TopicPlan {
	topics := buildTopics(bot.Topics)

	mins := bot.MaxDurationMins
	if mins <= 0 {
		mins = DefaultMaxDurationMins
	}
	total := mins * 60
	perTopic := total
	if len(topics) > 0 {
		perTopic = total / len(topics)
	}

	// Time left for a topic after an average SCAN pass goes to DEEP.
	deepTurns := perTopic / DefaultSecondsPerTurn
	if len(topics) > 0 {
		scanTurns := 0
		for _, t := range topics {
			scanTurns += t.MaxTurns
		}
		deepTurns -= scanTurns / len(topics)
	}
	deepTurns = clamp(deepTurns, MinDeepTurns, MaxDeepTurns)

	deepTopics := make([]models.Topic, len(topics))
	copy(deepTopics, topics)

	return models.TopicPlan{
		Version: Version,
		Meta: models.PlanMeta{
			GeneratedAt:     now.UTC(),
			MaxDurationMins: mins,
			TotalTimeSec:    total,
			PerTopicTimeSec: perTopic,
			SecondsPerTurn:  DefaultSecondsPerTurn,
			TopicsSignature: Signature(topics),
		},
		Scan: models.ScanPlan{Topics: topics},
		Deep: models.DeepPlan{
			Strategy:         StrategyLeastCovered,
			MaxTurnsPerTopic: deepTurns,
			FallbackTurns:    DefaultFallbackTurns,
			Topics:           deepTopics,
		},
	}
}

func buildTopics(cfg []models.TopicConfig) []models.Topic {
	topics := make([]models.Topic, 0, len(cfg))
	seen := make(map[string]bool, len(cfg))
	for i, tc := range cfg {
		label := sanitize.Config(tc.Label, maxLabelLength)
		if label == "" {
			continue
		}
		id := strings.TrimSpace(tc.ID)
		if id == "" {
			id = fmt.Sprintf("t%d", i+1)
		}
		for base, n := id, 2; seen[id]; n++ {
			id = fmt.Sprintf("%s-%d", base, n)
		}
		seen[id] = true

		var subGoals []string
		for _, sg := range tc.SubGoals {
			if len(subGoals) >= maxSubGoals {
				break
			}
			if s := sanitize.Config(sg, maxSubGoalLength); s != "" {
				subGoals = append(subGoals, s)
			}
		}

		minTurns := tc.MinTurns
		if minTurns <= 0 {
			minTurns = 1
		}
		maxTurns := tc.MaxTurns
		if maxTurns <= 0 {
			maxTurns = len(subGoals)
		}
		if maxTurns < minTurns {
			maxTurns = minTurns
		}

		topics = append(topics, models.Topic{
			ID:         id,
			Label:      label,
			OrderIndex: len(topics),
			SubGoals:   subGoals,
			MinTurns:   minTurns,
			MaxTurns:   maxTurns,
		})
	}
	return topics
}

// Signature is a deterministic hash of topic order and labels.
func Signature(topics []models.Topic) string {
	h := sha256.New()
	for _, t := range topics {
		fmt.Fprintf(h, "%d:%s\n", t.OrderIndex, t.Label)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DeepBudget returns the DEEP turn budget for a topic.
func DeepBudget(p models.TopicPlan, deepAccepted *bool) int {
	if deepAccepted != nil && *deepAccepted {
		return p.Deep.MaxTurnsPerTopic + p.Deep.FallbackTurns
	}
	return p.Deep.MaxTurnsPerTopic
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package flow

import (
	"github.com/BTreeMap/InterviewPipe/internal/models"
	"github.com/BTreeMap/InterviewPipe/internal/plan"
)

const (
	// MaxDeepOfferTurns bounds re-asking an unresolved continuation question.
	MaxDeepOfferTurns = 2
	// MaxDataCollectionTurns bounds the data collection phase.
	MaxDataCollectionTurns = 6
)

// TransitionInput carries the classified signals of the latest user turn.
type TransitionInput struct {
	ShouldCollectData bool
	Fields            []models.DataField
	Intent            Intent            // consent intent; meaningful in DEEP_OFFER and DATA_COLLECTION
	FieldValues       map[string]string // values extracted from the user turn
}

// Transition is the outcome of Next.
type Transition struct {
	State        models.ConversationState
	TopicChanged bool
	PhaseChanged bool
}

// Initial returns the state of a new conversation whose opening question
// is the first SCAN turn of the first topic.
func Initial(p models.TopicPlan, fields []models.DataField) models.ConversationState {
	s := models.ConversationState{
		Phase:        models.PhaseScan,
		TurnsInTopic: 1,
		RemainingSec: max(0, p.Meta.TotalTimeSec-p.Meta.SecondsPerTurn),
		MissingField: MissingRequiredField(fields, nil),
	}
	for _, f := range fields {
		s.CandidateFieldIDs = append(s.CandidateFieldIDs, f.Field)
	}
	if first, ok := p.FirstTopic(); ok {
		s.CurrentTopicID = first.ID
	} else {
		s.Phase = models.PhaseClosing
	}
	return s
}

// Next computes the state for the assistant reply that answers the latest
// user turn. It is pure: prev is never mutated.
func Next(prev models.ConversationState, p models.TopicPlan, in TransitionInput) Transition {
	s := prev.Clone()
	switch prev.Phase {
	case models.PhaseCompleted:
		return Transition{State: s}
	case models.PhaseClosing:
		s.Phase = models.PhaseCompleted
		return Transition{State: s, PhaseChanged: true}
	}

	s.TurnCount++
	s.RemainingSec = max(0, prev.RemainingSec-p.Meta.SecondsPerTurn)

	switch prev.Phase {
	case models.PhaseScan:
		topic, _ := p.Topic(prev.CurrentTopicID)
		turns := prev.TurnsInTopic
		explored := len(s.ExploredSubGoals[topic.ID]) >= len(topic.SubGoals)
		done := turns >= topic.MaxTurns || (turns >= topic.MinTurns && (explored || s.RemainingSec == 0))
		switch {
		case !done:
			s.TurnsInTopic++
		case s.RemainingSec == 0:
			advanceTopic(&s, p, in)
		default:
			s.Phase = models.PhaseDeep
			s.TurnsInTopic = 1
			s.LastSubGoal = ""
		}

	case models.PhaseDeep:
		if prev.TurnsInTopic < plan.DeepBudget(p, s.DeepAccepted) && s.RemainingSec > 0 {
			s.TurnsInTopic++
			break
		}
		if ShouldOfferContinuationAfterDeep(s.RemainingSec, s.DeepAccepted) && !contains(s.DeepOfferedTopics, s.CurrentTopicID) {
			s.Phase = models.PhaseDeepOffer
			s.TurnsInTopic = 1
			s.DeepOfferedTopics = append(s.DeepOfferedTopics, s.CurrentTopicID)
			break
		}
		advanceTopic(&s, p, in)

	case models.PhaseDeepOffer:
		switch in.Intent.Kind {
		case IntentConsent:
			accepted := true
			s.DeepAccepted = &accepted
			s.Phase = models.PhaseDeep
			// resume after the base budget so only the extension remains
			s.TurnsInTopic = p.Deep.MaxTurnsPerTopic + 1
		case IntentRefusal:
			declined := false
			s.DeepAccepted = &declined
			advanceTopic(&s, p, in)
		default:
			if s.RemainingSec == 0 || prev.TurnsInTopic >= MaxDeepOfferTurns {
				advanceTopic(&s, p, in)
			} else {
				s.TurnsInTopic++
			}
		}

	case models.PhaseDataCollection:
		applyDataTurn(&s, in)
		action := GetCompletionGuardAction(CompletionInput(s, in.ShouldCollectData))
		if action == ActionAllowCompletion || prev.TurnsInTopic >= MaxDataCollectionTurns {
			s.Phase = models.PhaseClosing
			s.TurnsInTopic = 1
		} else {
			s.TurnsInTopic++
		}
	}

	return Transition{
		State:        s,
		TopicChanged: s.CurrentTopicID != prev.CurrentTopicID,
		PhaseChanged: s.Phase != prev.Phase,
	}
}

// Settle finalises the state after a reply was emitted: a CLOSING reply completes the conversation.
func Settle(s models.ConversationState) models.ConversationState {
	if s.Phase == models.PhaseClosing {
		s.Phase = models.PhaseCompleted
	}
	return s
}

// advanceTopic moves to the next topic's SCAN, or past the last topic.
func advanceTopic(s *models.ConversationState, p models.TopicPlan, in TransitionInput) {
	s.TurnsInTopic = 1
	s.LastSubGoal = ""
	if next, ok := p.NextTopic(s.CurrentTopicID); ok {
		s.CurrentTopicID = next.ID
		s.Phase = models.PhaseScan
		return
	}
	s.MissingField = MissingRequiredField(in.Fields, s.Collected)
	if in.ShouldCollectData && GetCompletionGuardAction(CompletionInput(*s, true)) != ActionAllowCompletion {
		s.Phase = models.PhaseDataCollection
		return
	}
	s.Phase = models.PhaseClosing
}

// applyDataTurn records consent and extracted values from a DATA_COLLECTION turn.
func applyDataTurn(s *models.ConversationState, in TransitionInput) {
	if len(in.FieldValues) > 0 {
		if s.Collected == nil {
			s.Collected = make(map[string]string, len(in.FieldValues))
		}
		for k, v := range in.FieldValues {
			s.Collected[k] = v
		}
		// providing a value is consent
		s.ConsentGiven = true
	}
	switch in.Intent.Kind {
	case IntentConsent:
		s.ConsentGiven = true
	case IntentRefusal:
		if len(in.FieldValues) == 0 {
			s.DataCollectionRefused = true
		}
	}
	s.MissingField = MissingRequiredField(in.Fields, s.Collected)
}

// RecordSubGoal books the sub-goal the emitted reply targeted.
func RecordSubGoal(s *models.ConversationState, phase models.Phase, topicID, subGoal string) {
	if subGoal == "" || topicID == "" {
		return
	}
	switch phase {
	case models.PhaseScan:
		if s.ExploredSubGoals == nil {
			s.ExploredSubGoals = make(map[string][]string)
		}
		if !contains(s.ExploredSubGoals[topicID], subGoal) {
			s.ExploredSubGoals[topicID] = append(s.ExploredSubGoals[topicID], subGoal)
		}
	case models.PhaseDeep:
		if s.DeepCoverage == nil {
			s.DeepCoverage = make(map[string]map[string]int)
		}
		if s.DeepCoverage[topicID] == nil {
			s.DeepCoverage[topicID] = make(map[string]int)
		}
		s.DeepCoverage[topicID][subGoal]++
	default:
		return
	}
	s.LastSubGoal = subGoal
}

// MissingRequiredField returns the first required field without a value.
func MissingRequiredField(fields []models.DataField, collected map[string]string) string {
	for _, f := range fields {
		if f.Required && collected[f.Field] == "" {
			return f.Field
		}
	}
	return ""
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

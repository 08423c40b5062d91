// Package flow implements the interview phase machine: pure guard
// predicates that gate candidate replies, the per-turn transition function,
// and the lightweight classifiers that feed them.
package flow

import "github.com/BTreeMap/InterviewPipe/internal/models"

// ReplySignals are the boolean features of a candidate assistant reply.
type ReplySignals struct {
	IsGoodbyeResponse         bool
	IsGoodbyeWithQuestion     bool
	HasNoQuestion             bool
	IsPrematureContactRequest bool
	HasCompletionTag          bool
	IsContinuationAsk         bool
}

// CompletionAction is the outcome of GetCompletionGuardAction.
type CompletionAction string

const (
	ActionAskConsent      CompletionAction = "ask_consent"
	ActionAskMissingField CompletionAction = "ask_missing_field"
	ActionAllowCompletion CompletionAction = "allow_completion"
)

// CompletionGuardInput carries the data-collection state.
type CompletionGuardInput struct {
	ShouldCollectData     bool
	CandidateFieldIDs     []string
	ConsentGiven          bool
	DataCollectionRefused bool
	MissingField          string // empty when no required field is missing
}

// ShouldOfferContinuationAfterDeep is true iff time remains and continuation
// has not been accepted.
func ShouldOfferContinuationAfterDeep(remainingSec int, deepAccepted *bool) bool {
	return remainingSec > 0 && (deepAccepted == nil || !*deepAccepted)
}

// ShouldInterceptTopicPhaseClosure rejects SCAN/DEEP replies that close the
// conversation or ask for contact details.
func ShouldInterceptTopicPhaseClosure(phase models.Phase, s ReplySignals) bool {
	if !phase.IsTopicPhase() {
		return false
	}
	if s.HasCompletionTag || s.IsPrematureContactRequest {
		return true
	}
	return s.IsGoodbyeResponse && s.HasNoQuestion && !s.IsGoodbyeWithQuestion
}

// ShouldInterceptDeepOfferClosure rejects DEEP_OFFER replies that are not an
// explicit yes/no continuation question.
func ShouldInterceptDeepOfferClosure(phase models.Phase, s ReplySignals) bool {
	if phase != models.PhaseDeepOffer {
		return false
	}
	if s.HasNoQuestion || s.HasCompletionTag {
		return true
	}
	if s.IsGoodbyeResponse && !s.IsGoodbyeWithQuestion {
		return true
	}
	return !s.IsContinuationAsk
}

// GetCompletionGuardAction decides whether the conversation may complete.
func GetCompletionGuardAction(in CompletionGuardInput) CompletionAction {
	if !in.ShouldCollectData || in.DataCollectionRefused {
		return ActionAllowCompletion
	}
	if !in.ConsentGiven {
		return ActionAskConsent
	}
	if in.MissingField != "" {
		return ActionAskMissingField
	}
	return ActionAllowCompletion
}

// CompletionInput builds the guard input from a conversation state.
func CompletionInput(s models.ConversationState, shouldCollectData bool) CompletionGuardInput {
	return CompletionGuardInput{
		ShouldCollectData:     shouldCollectData,
		CandidateFieldIDs:     s.CandidateFieldIDs,
		ConsentGiven:          s.ConsentGiven,
		DataCollectionRefused: s.DataCollectionRefused,
		MissingField:          s.MissingField,
	}
}

// InterceptReason names why a draft was rejected.
type InterceptReason string

const (
	ReasonNone              InterceptReason = ""
	ReasonCompletionTag     InterceptReason = "completion_tag"
	ReasonPrematureContact  InterceptReason = "premature_contact"
	ReasonGoodbye           InterceptReason = "goodbye"
	ReasonNoQuestion        InterceptReason = "no_question"
	ReasonNoContinuationAsk InterceptReason = "no_continuation_ask"
	ReasonPrematureClosure  InterceptReason = "premature_closure"
)

// ShouldIntercept applies the guard for phase and names the first failing signal.
// In DATA_COLLECTION a closing reply is rejected until completion is allowed.
func ShouldIntercept(phase models.Phase, s ReplySignals, action CompletionAction) (bool, InterceptReason) {
	switch {
	case phase.IsTopicPhase():
		if !ShouldInterceptTopicPhaseClosure(phase, s) {
			return false, ReasonNone
		}
		switch {
		case s.HasCompletionTag:
			return true, ReasonCompletionTag
		case s.IsPrematureContactRequest:
			return true, ReasonPrematureContact
		default:
			return true, ReasonGoodbye
		}
	case phase == models.PhaseDeepOffer:
		if !ShouldInterceptDeepOfferClosure(phase, s) {
			return false, ReasonNone
		}
		switch {
		case s.HasCompletionTag:
			return true, ReasonCompletionTag
		case s.HasNoQuestion:
			return true, ReasonNoQuestion
		case s.IsGoodbyeResponse:
			return true, ReasonGoodbye
		default:
			return true, ReasonNoContinuationAsk
		}
	case phase == models.PhaseDataCollection:
		if action == ActionAllowCompletion {
			return false, ReasonNone
		}
		if s.HasCompletionTag || s.HasNoQuestion || (s.IsGoodbyeResponse && !s.IsGoodbyeWithQuestion) {
			return true, ReasonPrematureClosure
		}
	}
	return false, ReasonNone
}

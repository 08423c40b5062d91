// Package quality scores a single drafted reply against a rubric. It is
// diagnostic: the phase guards in package flow remain the hard gate.
package quality

import (
	"math"
	"regexp"
	"strings"

	"github.com/BTreeMap/InterviewPipe/internal/flow"
	"github.com/BTreeMap/InterviewPipe/internal/models"
	"github.com/BTreeMap/InterviewPipe/internal/textutil"
)

// Check names one rubric item.
type Check string

const (
	CheckAvoidsClosure          Check = "avoidsClosure"
	CheckAvoidsPrematureContact Check = "avoidsPrematureContact"
	CheckNonRepetitive          Check = "nonRepetitive"
	CheckProbingWhenUserIsBrief Check = "probingWhenUserIsBrief"
	CheckReferencesUserContext  Check = "referencesUserContext"
	CheckDeepOfferIntent        Check = "deepOfferIntent"
)

// AllChecks lists the rubric in evaluation order.
var AllChecks = []Check{
	CheckAvoidsClosure, CheckAvoidsPrematureContact, CheckNonRepetitive,
	CheckProbingWhenUserIsBrief, CheckReferencesUserContext, CheckDeepOfferIntent,
}

const (
	// BriefAnswerWords is the word count below which a user answer counts as brief.
	BriefAnswerWords = 6
	// RepetitionThreshold is the word-set similarity at which a reply restates the previous one.
	RepetitionThreshold = 0.8
)

var (
	probeRe   = regexp.MustCompile(`(?i)(?:\besempi|\bad esempio\b|\bper esempio\b|\braccont|\bdescriv|\bspiegar|\bin che modo\b|\bcome mai\b|\bperch[eé]\b|\bcosa intendi\b|\bin particolare\b|\bconcretament|\bquale (?:situazione|episodio|momento)|\bexample|\bfor instance\b|\bdescribe\b|\bwalk me through\b|\bwhat do you mean\b|\bspecific|\bwhy\b|\bin what way\b|\bwhat happened\b)`)
	shallowRe = regexp.MustCompile(`(?i)^\s*(?:dimmi di più|puoi dirmi di più|tell me more|anything else|altro)\s*\?*\s*$`)
)

// Input is one drafted reply and its immediate context.
type Input struct {
	Phase                     models.Phase
	TopicLabel                string
	UserResponse              string
	AssistantResponse         string
	PreviousAssistantResponse string
	Language                  string
}

// Result reports the applicable checks only; skipped checks are absent from Checks.
type Result struct {
	Passed bool           `json:"passed"`
	Score  int            `json:"score"`
	Checks map[Check]bool `json:"checks"`
	Failed []Check        `json:"failed,omitempty"`
}

// Evaluate scores the reply. Passed is true iff every applicable check passes.
func Evaluate(in Input) Result {
	signals := flow.ClassifyReply(in.AssistantResponse, in.Phase)
	checks := make(map[Check]bool, len(AllChecks))

	if in.Phase.IsTopicPhase() {
		checks[CheckAvoidsClosure] = !signals.HasCompletionTag &&
			!(signals.IsGoodbyeResponse && !signals.IsGoodbyeWithQuestion)
	}
	if in.Phase != models.PhaseDataCollection && in.Phase != models.PhaseClosing {
		checks[CheckAvoidsPrematureContact] = !signals.IsPrematureContactRequest
	}
	if strings.TrimSpace(in.PreviousAssistantResponse) != "" {
		checks[CheckNonRepetitive] = !isRepetition(in.AssistantResponse, in.PreviousAssistantResponse)
	}
	if in.Phase.IsTopicPhase() && isBrief(in.UserResponse) {
		checks[CheckProbingWhenUserIsBrief] = isProbing(in.AssistantResponse, signals)
	}
	if referencesApplies(in) {
		checks[CheckReferencesUserContext] = textutil.Overlap(
			textutil.ContentStems(in.UserResponse), textutil.ContentStems(in.AssistantResponse)) > 0
	}
	if in.Phase == models.PhaseDeepOffer {
		checks[CheckDeepOfferIntent] = signals.IsContinuationAsk
	}

	res := Result{Passed: true, Score: 100, Checks: checks}
	passed := 0
	for _, c := range AllChecks {
		ok, applicable := checks[c]
		if !applicable {
			continue
		}
		if ok {
			passed++
		} else {
			res.Passed = false
			res.Failed = append(res.Failed, c)
		}
	}
	if len(checks) > 0 {
		res.Score = int(math.Round(float64(passed) * 100 / float64(len(checks))))
	}
	return res
}

func isRepetition(reply, previous string) bool {
	a := strings.TrimSpace(strings.ToLower(reply))
	b := strings.TrimSpace(strings.ToLower(previous))
	if a == b {
		return true
	}
	return textutil.Jaccard(reply, previous) >= RepetitionThreshold
}

func isBrief(user string) bool {
	n := textutil.WordCount(user)
	return n > 0 && n < BriefAnswerWords
}

func isProbing(reply string, s flow.ReplySignals) bool {
	if s.HasNoQuestion || shallowRe.MatchString(reply) {
		return false
	}
	return probeRe.MatchString(reply)
}

// referencesApplies skips data collection and closing, and user turns with
// no content words to reference.
func referencesApplies(in Input) bool {
	switch in.Phase {
	case models.PhaseDataCollection, models.PhaseClosing, models.PhaseCompleted:
		return false
	}
	return len(textutil.ContentStems(in.UserResponse)) > 0
}

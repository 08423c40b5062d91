// Package transcript checks multi-turn semantic flow over recorded or
// synthetic conversations. It runs offline as a regression suite and is
// never a per-turn gate.
package transcript

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BTreeMap/InterviewPipe/internal/flow"
	"github.com/BTreeMap/InterviewPipe/internal/models"
	"github.com/BTreeMap/InterviewPipe/internal/textutil"
)

const (
	// EchoRunWords is the shortest verbatim run that counts as parroting the user.
	EchoRunWords = 4
	// RichAnswerWords and RichAnswerStems define a content-rich user turn.
	RichAnswerWords = 12
	RichAnswerStems = 5
	// UnrephrasedThreshold is the similarity at which a clarification repeats the original question.
	UnrephrasedThreshold = 0.9
)

var (
	confusionRe = regexp.MustCompile(`(?i)(?:\bnon ho capito\b|\bnon capisco\b|\bcosa intendi\b|\bin che senso\b|\bpuoi ripetere\b|\bnon (?:mi )?(?:è|e) chiaro\b|\bche vuol dire\b|\bi don'?t understand\b|\bwhat do you mean\b|\bcan you rephrase\b|\bnot sure what you mean\b|\bi don'?t get it\b)`)
	vagueRe     = regexp.MustCompile(`(?i)(?:\bcosa ne pensi\b|\bche ne pensi\b|\bc'?(?:è|e) altro\b|\baltro da aggiungere\b|\bdimmi pure\b|\bvai pure\b|\bdimmi di più\b|\bcontinua pure\b|\bwhat do you think\b|\banything else\b|\btell me more\b|\bgo on\b|\bgo ahead\b)`)
	fieldAskRe  = regexp.MustCompile(`(?i)(?:\bnome\b|\bcognome\b|\bazienda\b|\bruolo\b|\bcittà\b|\bname\b|\bcompany\b|\brole\b)`)
)

// Turn is one message of a transcript.
type Turn struct {
	Role       models.Role  `json:"role" yaml:"role"`
	Content    string       `json:"content" yaml:"content"`
	Phase      models.Phase `json:"phase,omitempty" yaml:"phase,omitempty"`
	TopicLabel string       `json:"topicLabel,omitempty" yaml:"topicLabel,omitempty"`
}

// Input is a full transcript.
type Input struct {
	Language string `json:"language" yaml:"language"`
	Turns    []Turn `json:"turns" yaml:"turns"`
}

// Result summarises the findings. Passed is true iff no failure of any kind was found.
type Result struct {
	Passed             bool     `json:"passed"`
	TransitionFailures int      `json:"transitionFailures"`
	ConsentFailures    int      `json:"consentFailures"`
	MissedSignals      int      `json:"missedSignals"`
	Issues             []string `json:"issues"`
}

// FromMessages converts stored messages into transcript turns.
func FromMessages(msgs []models.Message) []Turn {
	out := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Turn{Role: m.Role, Content: m.Content, Phase: m.Phase, TopicLabel: m.TopicLabel})
	}
	return out
}

// Evaluate walks each (assistant, user, assistant) triple of the transcript.
func Evaluate(in Input) Result {
	res := Result{Issues: []string{}}
	prevAssistant := -1
	for i := 1; i < len(in.Turns); i++ {
		cur := in.Turns[i]
		if cur.Role != models.RoleAssistant {
			continue
		}
		user := in.Turns[i-1]
		if user.Role != models.RoleUser {
			prevAssistant = i
			continue
		}
		var prev *Turn
		if prevAssistant >= 0 {
			prev = &in.Turns[prevAssistant]
		}
		checkTriple(&res, i, prev, user, cur)
		prevAssistant = i
	}
	res.Passed = res.TransitionFailures == 0 && res.ConsentFailures == 0 && res.MissedSignals == 0
	return res
}

func checkTriple(res *Result, idx int, prev *Turn, user, cur Turn) {
	// (a) topic transition that parrots the user's literal phrase
	if prev != nil && prev.TopicLabel != "" && cur.TopicLabel != "" && prev.TopicLabel != cur.TopicLabel {
		if run := textutil.LongestCommonRun(user.Content, cur.Content); len(run) >= EchoRunWords && textutil.HasContent(run) {
			res.TransitionFailures++
			res.Issues = append(res.Issues, fmt.Sprintf("turn %d: transition to %q echoes the user verbatim: %q",
				idx, cur.TopicLabel, strings.Join(run, " ")))
		}
	}

	// (b) clarification that echoes the confusion or repeats the question unchanged
	if confusionRe.MatchString(user.Content) {
		switch {
		case confusionRe.MatchString(cur.Content):
			res.TransitionFailures++
			res.Issues = append(res.Issues, fmt.Sprintf("turn %d: clarification echoes the user's confusion", idx))
		case prev != nil && textutil.Jaccard(prev.Content, cur.Content) >= UnrephrasedThreshold:
			res.TransitionFailures++
			res.Issues = append(res.Issues, fmt.Sprintf("turn %d: clarification repeats the question without rephrasing", idx))
		}
		return
	}

	// (c) accepted consent followed by a vague continuation
	if prev != nil && flow.HeuristicIntent(user.Content).Kind == flow.IntentConsent {
		switch {
		case isDataAsk(*prev):
			if !requestsField(cur.Content) {
				res.ConsentFailures++
				res.Issues = append(res.Issues, fmt.Sprintf("turn %d: consent to data collection not followed by a field request", idx))
			}
			return
		case prev.Phase == models.PhaseDeepOffer:
			if isVague(cur.Content) {
				res.ConsentFailures++
				res.Issues = append(res.Issues, fmt.Sprintf("turn %d: accepted continuation followed by a vague question", idx))
			}
			return
		}
	}

	// (d) rich user content answered with a generic follow-up
	userStems := textutil.ContentStems(user.Content)
	if cur.Phase == models.PhaseClosing || cur.Phase == models.PhaseDataCollection {
		return
	}
	if textutil.WordCount(user.Content) >= RichAnswerWords && len(userStems) >= RichAnswerStems &&
		vagueRe.MatchString(cur.Content) && textutil.Overlap(userStems, textutil.ContentStems(cur.Content)) == 0 {
		res.MissedSignals++
		res.Issues = append(res.Issues, fmt.Sprintf("turn %d: missed signal, specific answer met with a generic follow-up", idx))
	}
}

func isDataAsk(t Turn) bool {
	if t.Phase != "" {
		return t.Phase == models.PhaseDataCollection
	}
	return flow.MentionsContact(t.Content)
}

func requestsField(text string) bool {
	if !strings.Contains(text, "?") || isVague(text) {
		return false
	}
	return flow.MentionsContact(text) || fieldAskRe.MatchString(text)
}

func isVague(text string) bool {
	return !strings.ContainsAny(text, "?¿") || vagueRe.MatchString(text)
}

package flow

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/InterviewPipe/internal/models"
)

// CompletionTag is the marker the model is told to emit when it believes the
// interview is over. It is always stripped before a reply is shown.
const CompletionTag = "[[INTERVIEW_COMPLETE]]"

var (
	extraSpaceRe    = regexp.MustCompile(`[ \t]{2,}`)
	completionTagRe = regexp.MustCompile(`(?i)\[\[?\s*(?:interview_)?(?:complete|completed|end|done)\s*\]\]?`)

	goodbyeRe = regexp.MustCompile(`(?i)(?:\bgrazie (?:mille )?(?:per|del|della) (?:(?:il|la|tuo|tua|vostro) )*(?:tempo|aiuto|partecipazione|disponibilit)|\barrivederci\b|\ba presto\b|\bbuona (?:giornata|serata|continuazione)\b|\bciao ciao\b|\babbiamo (?:finito|concluso|terminato)\b|\bl'intervista (?:è|e) (?:finita|conclusa)|\bthanks? (?:you )?(?:so much )?for (?:your )?(?:time|participat|help)|\bgoodbye\b|\bbye\b|\bhave a (?:nice|great|good) (?:day|evening)\b|\bthis concludes\b|\bwe(?:'re| are) (?:done|finished)\b|\bthat'?s all\b)`)

	contactNounRe = regexp.MustCompile(`(?i)(?:\be-?mail\b|\bphone\b|\bnumero di telefono\b|\btelefono\b|\bcellulare\b|\brecapit|\bcontact (?:details|info)|\bi tuoi contatti\b|\bindirizzo (?:e-?mail|di posta)|\bwhatsapp number\b|\bphone number\b)`)
	contactAskRe  = regexp.MustCompile(`(?i)(?:\blasciar?mi\b|\bpuoi (?:darmi|lasciarmi|indicarmi)|\bpotresti (?:darmi|lasciarmi|indicarmi|condividere)|\bmi (?:dai|daresti|lasci)\b|\bqual (?:è|e) (?:il tuo|la tua)|\bcould you (?:share|give|leave|provide)|\bcan (?:you|i) (?:share|give|have|get)|\bwhat(?:'s| is) your\b|\bplease (?:share|provide|leave)\b)`)

	continuationRe = regexp.MustCompile(`(?i)(?:\b(?:vuoi|volete|ti va|ti andrebbe|preferisci|possiamo|posso|hai (?:ancora )?(?:tempo|voglia))\b[^?]{0,60}\b(?:continuare|approfondire|proseguire|andare avanti|altre domande|qualche altra domanda|ancora qualche minuto|fermarci)|\b(?:would you like|do you want|shall we|should we|can we|are you happy|do you have (?:a few more minutes|time))\b[^?]{0,60}\b(?:continue|keep going|go deeper|dig deeper|explore (?:this|it) further|more questions|stop)|\b(?:continuiamo|proseguiamo|approfondiamo)\b[^?]{0,30}\?|\bkeep going\?)`)
)

// ClassifyReply derives ReplySignals from a candidate reply. Contact
// requests count as premature outside DATA_COLLECTION and CLOSING.
func ClassifyReply(text string, phase models.Phase) ReplySignals {
	hasQuestion := strings.ContainsAny(text, "?¿")
	goodbye := goodbyeRe.MatchString(text)
	s := ReplySignals{
		IsGoodbyeResponse:     goodbye,
		IsGoodbyeWithQuestion: goodbye && hasQuestion,
		HasNoQuestion:         !hasQuestion,
		HasCompletionTag:      completionTagRe.MatchString(text),
		IsContinuationAsk:     hasQuestion && continuationRe.MatchString(text),
	}
	if phase != models.PhaseDataCollection && phase != models.PhaseClosing {
		s.IsPrematureContactRequest = isContactRequest(text)
	}
	return s
}

// isContactRequest is true when one sentence mentions a contact channel and
// either asks a question or uses a request verb.
func isContactRequest(text string) bool {
	for _, sentence := range splitSentences(text) {
		if !contactNounRe.MatchString(sentence) {
			continue
		}
		if strings.HasSuffix(strings.TrimSpace(sentence), "?") || contactAskRe.MatchString(sentence) {
			return true
		}
	}
	return false
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		switch r {
		case '.', '!', '?', '\n':
			out = append(out, text[start:i+len(string(r))])
			start = i + len(string(r))
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// StripCompletionTag removes every completion marker and reports whether one was present.
func StripCompletionTag(text string) (string, bool) {
	if !completionTagRe.MatchString(text) {
		return text, false
	}
	out := completionTagRe.ReplaceAllString(text, "")
	out = extraSpaceRe.ReplaceAllString(out, " ")
	return strings.TrimSpace(out), true
}

// MentionsContact reports whether text names a contact channel.
func MentionsContact(text string) bool {
	return contactNounRe.MatchString(text)
}

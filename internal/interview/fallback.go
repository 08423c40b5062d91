package interview

import (
	"fmt"

	"github.com/BTreeMap/InterviewPipe/internal/flow"
	"github.com/BTreeMap/InterviewPipe/internal/models"
	"github.com/BTreeMap/InterviewPipe/internal/sanitize"
)

// cannedReply is the deterministic reply used when drafting is exhausted or
// the backend is unavailable. Each one passes the guards of its phase.
func cannedReply(state models.ConversationState, action flow.CompletionAction, topic models.Topic, bot models.BotConfig, lang string) string {
	it := lang != "en"
	switch state.Phase {
	case models.PhaseScan, models.PhaseDeep:
		label := sanitize.Config(topic.Label, 100)
		switch {
		case label == "" && it:
			return "Mi racconti un esempio concreto di quello che hai appena descritto?"
		case label == "":
			return "Could you tell me about a specific example of what you just described?"
		case it:
			return fmt.Sprintf("Parlando di «%s», mi racconti un esempio concreto che hai vissuto?", label)
		default:
			return fmt.Sprintf("Thinking about \"%s\", could you tell me about a specific example you experienced?", label)
		}
	case models.PhaseDeepOffer:
		if it {
			return "Abbiamo ancora qualche minuto: vuoi continuare con qualche altra domanda su questo tema?"
		}
		return "We still have a few minutes: would you like to continue with a few more questions on this topic?"
	case models.PhaseDataCollection:
		switch action {
		case flow.ActionAskConsent:
			if it {
				return "Prima di concludere, ti andrebbe di lasciarmi un recapito per restare in contatto?"
			}
			return "Before we finish, would you be happy to leave a way for us to stay in touch?"
		case flow.ActionAskMissingField:
			return fieldQuestion(bot, state.MissingField, it)
		default:
			if it {
				return "C'è qualcos'altro che vorresti aggiungere?"
			}
			return "Is there anything else you would like to add?"
		}
	default:
		if it {
			return "Grazie mille per il tuo tempo e per le tue risposte. A presto!"
		}
		return "Thank you so much for your time and your answers. Goodbye!"
	}
}

func fieldQuestion(bot models.BotConfig, missing string, it bool) string {
	if f, ok := bot.Field(missing); ok {
		if q := sanitize.Config(f.Question, 300); q != "" {
			return q
		}
	}
	if it {
		return fmt.Sprintf("Mi indichi il tuo %s?", sanitize.Config(missing, 50))
	}
	return fmt.Sprintf("Could you share your %s?", sanitize.Config(missing, 50))
}

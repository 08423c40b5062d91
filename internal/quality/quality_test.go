package quality

import (
	"testing"

	"github.com/BTreeMap/InterviewPipe/internal/models"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name       string
		in         Input
		wantPassed bool
		failed     []Check
		skipped    []Check
	}{
		{
			name: "grounded deep question",
			in: Input{
				Phase:             models.PhaseDeep,
				UserResponse:      "Uso il prodotto ogni giorno per gestire gli ordini dei clienti",
				AssistantResponse: "Interessante che gestisci gli ordini così spesso: quale parte della gestione ti richiede più tempo?",
			},
			wantPassed: true,
			skipped:    []Check{CheckNonRepetitive, CheckProbingWhenUserIsBrief, CheckDeepOfferIntent},
		},
		{
			name: "exact restatement",
			in: Input{
				Phase:                     models.PhaseScan,
				UserResponse:              "Lo uso per le fatture dei fornitori",
				AssistantResponse:         "Come usi le fatture nel lavoro quotidiano?",
				PreviousAssistantResponse: "Come usi le fatture nel lavoro quotidiano?",
			},
			wantPassed: false,
			failed:     []Check{CheckNonRepetitive},
		},
		{
			name: "goodbye during scan",
			in: Input{
				Phase:             models.PhaseScan,
				UserResponse:      "Niente di particolare da aggiungere sul prezzo",
				AssistantResponse: "Va bene, grazie per il tuo tempo sul prezzo. Buona giornata!",
			},
			wantPassed: false,
			failed:     []Check{CheckAvoidsClosure},
		},
		{
			name: "contact request during deep",
			in: Input{
				Phase:             models.PhaseDeep,
				UserResponse:      "Il prezzo mi sembra alto rispetto alla concorrenza",
				AssistantResponse: "Capisco il discorso sul prezzo. Mi lasci la tua email?",
			},
			wantPassed: false,
			failed:     []Check{CheckAvoidsPrematureContact},
		},
		{
			name: "brief answer with shallow follow-up",
			in: Input{
				Phase:             models.PhaseDeep,
				UserResponse:      "abbastanza",
				AssistantResponse: "Ok. E poi?",
			},
			wantPassed: false,
			failed:     []Check{CheckProbingWhenUserIsBrief},
		},
		{
			name: "brief answer with example request",
			in: Input{
				Phase:             models.PhaseDeep,
				UserResponse:      "lo uso spesso",
				AssistantResponse: "Mi racconti un esempio recente in cui lo hai usato così spesso?",
			},
			wantPassed: true,
		},
		{
			name: "ungrounded reply",
			in: Input{
				Phase:             models.PhaseScan,
				UserResponse:      "Mi occupo della logistica del magazzino",
				AssistantResponse: "Quanto spendi ogni mese?",
			},
			wantPassed: false,
			failed:     []Check{CheckReferencesUserContext},
		},
		{
			name: "deep offer without continuation ask",
			in: Input{
				Phase:             models.PhaseDeepOffer,
				UserResponse:      "sì",
				AssistantResponse: "Quali altri casi d'uso ti vengono in mente?",
			},
			wantPassed: false,
			failed:     []Check{CheckDeepOfferIntent},
		},
		{
			name: "data collection skips grounding and contact",
			in: Input{
				Phase:             models.PhaseDataCollection,
				UserResponse:      "Mi occupo della logistica del magazzino",
				AssistantResponse: "Qual è la tua email?",
			},
			wantPassed: true,
			skipped:    []Check{CheckReferencesUserContext, CheckAvoidsPrematureContact, CheckAvoidsClosure},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Evaluate(tt.in)
			if res.Passed != tt.wantPassed {
				t.Errorf("expected passed=%v, got %+v", tt.wantPassed, res)
			}
			for _, c := range tt.failed {
				if ok, applicable := res.Checks[c]; !applicable || ok {
					t.Errorf("expected %s to fail, got %+v", c, res.Checks)
				}
			}
			for _, c := range tt.skipped {
				if _, applicable := res.Checks[c]; applicable {
					t.Errorf("expected %s to be skipped, got %+v", c, res.Checks)
				}
			}
			if res.Passed && res.Score != 100 {
				t.Errorf("a passing reply scores 100, got %d", res.Score)
			}
		})
	}
}

func TestEvaluate_Score(t *testing.T) {
	res := Evaluate(Input{
		Phase:             models.PhaseDeepOffer,
		UserResponse:      "sì",
		AssistantResponse: "Quali altri casi d'uso ti vengono in mente?",
	})
	// avoidsPrematureContact passes, deepOfferIntent fails
	if res.Score != 50 {
		t.Errorf("expected score 50, got %d (%+v)", res.Score, res.Checks)
	}
	if len(res.Failed) != 1 || res.Failed[0] != CheckDeepOfferIntent {
		t.Errorf("unexpected failures %v", res.Failed)
	}
}

// Package config loads the admin-authored bot catalogue.
//
// The catalogue is a YAML file keyed by bot ID:
//
//	bots:
//	  customer-research:
//	    name: Ricerca clienti
//	    researchGoal: Capire come i clienti usano il prodotto
//	    topics:
//	      - label: Utilizzo
//	        subGoals: [frequenza d'uso, casi d'uso]
//
// Scalar fields can be overridden from the environment with
// BOTS_<BOTID>__<FIELD>, e.g. BOTS_CUSTOMER-RESEARCH__MAXDURATIONMINS=15.
// Matching is case-insensitive.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/BTreeMap/InterviewPipe/internal/models"
	"github.com/BTreeMap/InterviewPipe/internal/sanitize"
)

// EnvPrefix marks bot overrides in the environment.
const EnvPrefix = "BOTS_"

// fieldSeparator splits the bot ID from the field name in an override.
const fieldSeparator = "__"

type catalogue struct {
	Bots map[string]models.BotConfig `json:"bots"`
}

// Load reads the catalogue at path, applies environment overrides and
// returns the bots sorted by ID. Every bot is validated and its strings are
// cleaned with sanitize.Config.
func Load(path string) ([]models.BotConfig, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("reading bot catalogue %s: %w", path, err)
	}

	fileKeys := k.Keys()
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return overrideKey(s, fileKeys)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading bot overrides: %w", err)
	}

	var cat catalogue
	if err := k.UnmarshalWithConf("", &cat, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("decoding bot catalogue %s: %w", path, err)
	}
	if len(cat.Bots) == 0 {
		return nil, fmt.Errorf("bot catalogue %s defines no bots", path)
	}

	bots := make([]models.BotConfig, 0, len(cat.Bots))
	for key, bot := range cat.Bots {
		if bot.ID == "" {
			bot.ID = key
		} else if bot.ID != key {
			return nil, fmt.Errorf("bot %q: id %q does not match its catalogue key", key, bot.ID)
		}
		bot = Clean(bot)
		if err := bot.Validate(); err != nil {
			return nil, fmt.Errorf("bot %q: %w", key, err)
		}
		bots = append(bots, bot)
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].ID < bots[j].ID })
	return bots, nil
}

// LoadIfExists is Load for an optional catalogue. A missing file yields no bots.
func LoadIfExists(path string) ([]models.BotConfig, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("accessing bot catalogue %s: %w", path, err)
	}
	return Load(path)
}

// overrideKey maps BOTS_<BOTID>__<FIELD> onto the catalogue key it
// overrides. Variables without a field part (BOTS_FILE) are skipped.
func overrideKey(name string, existing []string) string {
	rest := strings.TrimPrefix(name, EnvPrefix)
	if !strings.Contains(rest, fieldSeparator) {
		return ""
	}
	path := "bots." + strings.ReplaceAll(strings.ToLower(rest), fieldSeparator, ".")
	for _, key := range existing {
		if strings.EqualFold(key, path) {
			return key
		}
	}
	return path
}

// Clean trims and strips every admin-authored string of the bot.
func Clean(b models.BotConfig) models.BotConfig {
	b.ID = strings.TrimSpace(b.ID)
	b.Name = sanitize.Config(b.Name, 0)
	b.ResearchGoal = sanitize.Config(b.ResearchGoal, 0)
	b.TargetAudience = sanitize.Config(b.TargetAudience, 0)
	b.Tone = sanitize.Config(b.Tone, 0)
	b.Language = strings.ToLower(sanitize.Config(b.Language, 0))
	b.FallbackMessage = sanitize.Config(b.FallbackMessage, 0)

	topics := make([]models.TopicConfig, len(b.Topics))
	for i, t := range b.Topics {
		t.ID = strings.TrimSpace(t.ID)
		t.Label = sanitize.Config(t.Label, 0)
		t.SubGoals = cleanList(t.SubGoals)
		t.InterpretationCues = cleanList(t.InterpretationCues)
		topics[i] = t
	}
	b.Topics = topics

	fields := make([]models.DataField, len(b.CandidateDataFields))
	for i, f := range b.CandidateDataFields {
		f.Field = strings.ToLower(sanitize.Config(f.Field, 0))
		f.Question = sanitize.Config(f.Question, 0)
		fields[i] = f
	}
	b.CandidateDataFields = fields
	return b
}

func cleanList(items []string) []string {
	if len(items) == 0 {
		return items
	}
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = sanitize.Config(s, 0); s != "" {
			out = append(out, s)
		}
	}
	return out
}

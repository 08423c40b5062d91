package flow

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/InterviewPipe/internal/models"
	"github.com/BTreeMap/InterviewPipe/internal/sanitize"
)

const maxFieldValueLength = 200

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?[0-9][0-9 .\-/()]{6,}[0-9]`)
)

// FieldKind groups data fields by how their value is recognised.
type FieldKind int

const (
	FieldText FieldKind = iota
	FieldEmail
	FieldPhone
)

// KindOf maps a field name to its kind.
func KindOf(field string) FieldKind {
	f := strings.ToLower(field)
	switch {
	case strings.Contains(f, "email") || strings.Contains(f, "mail"):
		return FieldEmail
	case strings.Contains(f, "phone") || strings.Contains(f, "telefono") || strings.Contains(f, "cellulare") || strings.Contains(f, "mobile"):
		return FieldPhone
	}
	return FieldText
}

// ExtractFieldValues finds candidate field values in a user reply.
// Email and phone values are recognised anywhere by pattern. Other fields
// take the trimmed reply, but only for the field being asked and only when
// the reply is not a bare yes/no.
func ExtractFieldValues(reply string, fields []models.DataField, asking string) map[string]string {
	clean := sanitize.Sanitize(reply, 1000)
	out := make(map[string]string)
	for _, f := range fields {
		switch KindOf(f.Field) {
		case FieldEmail:
			if m := emailRe.FindString(clean); m != "" {
				out[f.Field] = strings.ToLower(m)
			}
		case FieldPhone:
			if m := phoneRe.FindString(clean); m != "" && digits(m) >= 7 {
				out[f.Field] = strings.TrimSpace(m)
			}
		default:
			if f.Field != asking || HeuristicIntent(clean).Kind != IntentNeutral {
				continue
			}
			if v := sanitize.Config(clean, maxFieldValueLength); v != "" {
				out[f.Field] = v
			}
		}
	}
	return out
}

func digits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// Package testutil provides common test utilities and helpers for InterviewPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/InterviewPipe/internal/genai"
	"github.com/BTreeMap/InterviewPipe/internal/models"
)

// ErrScriptExhausted is returned by FakeCompleter when no handler matches.
var ErrScriptExhausted = errors.New("fake completer: no scripted response")

// FakeCompleter implements genai.Completer with a per-schema script.
// Plain text requests are served from Texts in order; schema requests
// are served from Objects keyed by schema name; a value of type
// func(genai.Request) (any, error) is called per request. Err, when set, fails every call.
type FakeCompleter struct {
	mu      sync.Mutex
	Texts   []string
	Objects map[string]any
	Err     error
	Usage   genai.Usage
	Calls   []genai.Request
}

// Complete records the request and returns the next scripted response.
func (f *FakeCompleter) Complete(ctx context.Context, req genai.Request) (*genai.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, req)
	if f.Err != nil {
		return nil, f.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Schema != nil {
		obj, ok := f.Objects[req.Schema.Name]
		if !ok {
			return nil, ErrScriptExhausted
		}
		if fn, ok := obj.(func(genai.Request) (any, error)); ok {
			var err error
			if obj, err = fn(req); err != nil {
				return nil, err
			}
		}
		data, err := json.Marshal(obj)
		if err != nil {
			return nil, err
		}
		return &genai.Response{Text: string(data), Object: data, Usage: f.Usage}, nil
	}
	if len(f.Texts) == 0 {
		return nil, ErrScriptExhausted
	}
	text := f.Texts[0]
	if len(f.Texts) > 1 {
		f.Texts = f.Texts[1:]
	}
	return &genai.Response{Text: text, Usage: f.Usage}, nil
}

// CallsFor returns the recorded requests for a schema name, or plain text calls for "".
func (f *FakeCompleter) CallsFor(schema string) []genai.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []genai.Request
	for _, c := range f.Calls {
		name := ""
		if c.Schema != nil {
			name = c.Schema.Name
		}
		if name == schema {
			out = append(out, c)
		}
	}
	return out
}

// SampleBot returns a small Italian bot used across package tests.
func SampleBot() models.BotConfig {
	return models.BotConfig{
		ID:              "bot-1",
		Name:            "Ricerca clienti",
		ResearchGoal:    "Capire come i clienti usano il prodotto",
		TargetAudience:  "clienti attivi",
		Tone:            "cordiale",
		Language:        "it",
		FallbackMessage: "Non ho questa informazione",
		MaxDurationMins: 10,
		Topics: []models.TopicConfig{
			{ID: "t1", Label: "Utilizzo", SubGoals: []string{"frequenza d'uso", "casi d'uso"}, MinTurns: 2, MaxTurns: 2},
			{ID: "t2", Label: "Prezzi", SubGoals: []string{"percezione del prezzo", "alternative"}, MinTurns: 1, MaxTurns: 2},
		},
		CandidateDataFields: []models.DataField{
			{Field: "email", Question: "Qual è la tua email?", Required: true},
		},
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// CreateFormRequest creates a form-encoded POST request.
func CreateFormRequest(t *testing.T, url string, form map[string]string) *http.Request {
	t.Helper()
	pairs := make([]string, 0, len(form))
	for k, v := range form {
		pairs = append(pairs, k+"="+v)
	}
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(strings.Join(pairs, "&")))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}

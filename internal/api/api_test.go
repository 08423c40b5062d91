package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/InterviewPipe/internal/gaps"
	"github.com/BTreeMap/InterviewPipe/internal/genai"
	"github.com/BTreeMap/InterviewPipe/internal/interview"
	"github.com/BTreeMap/InterviewPipe/internal/messaging"
	"github.com/BTreeMap/InterviewPipe/internal/models"
	"github.com/BTreeMap/InterviewPipe/internal/store"
	"github.com/BTreeMap/InterviewPipe/internal/testutil"
)

const testReply = "Interessante, mi racconti un esempio concreto?"

type fixture struct {
	server *Server
	store  *store.InMemoryStore
	sender *messaging.MockSender
	fake   *testutil.FakeCompleter
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	if err := st.SaveBot(testutil.SampleBot()); err != nil {
		t.Fatalf("SaveBot failed: %v", err)
	}
	fake := &testutil.FakeCompleter{Texts: []string{testReply}}
	sender := messaging.NewMockSender()
	engine := interview.NewEngine(st, fake, interview.WithSender(sender))
	detector := gaps.NewDetector(st, fake)
	return &fixture{
		server: NewServer(engine, st, detector, opts...),
		store:  st,
		sender: sender,
		fake:   fake,
	}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	return rr
}

func (f *fixture) start(t *testing.T) string {
	t.Helper()
	rr := f.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/bots/bot-1/conversations", nil))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "start conversation")
	var resp struct {
		Result interview.StartResult `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	if resp.Result.ConversationID == "" {
		t.Fatalf("expected a conversation id, got %s", rr.Body.String())
	}
	return resp.Result.ConversationID
}

func TestHealthHandler(t *testing.T) {
	f := newFixture(t)
	rr := f.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	var body map[string]interface{}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &body)
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	if body["bots"] != float64(1) {
		t.Errorf("expected 1 bot, got %v", body["bots"])
	}
}

func TestStartConversationHandler(t *testing.T) {
	f := newFixture(t)
	rr := f.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/bots/bot-1/conversations", nil))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "start")
	resp := testutil.AssertJSONResponse(t, rr, "success")
	result, ok := resp["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected result object, got %v", resp)
	}
	if result["reply"] != testReply {
		t.Errorf("expected scripted reply, got %v", result["reply"])
	}
	if result["phase"] != string(models.PhaseScan) {
		t.Errorf("expected SCAN, got %v", result["phase"])
	}
}

func TestStartConversationHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
	}{
		{name: "unknown bot", path: "/bots/missing/conversations", status: http.StatusNotFound},
		{name: "unsupported channel", path: "/bots/bot-1/conversations", body: map[string]string{"channel": "sms:+393331234567"}, status: http.StatusBadRequest},
		{name: "invalid recipient", path: "/bots/bot-1/conversations", body: map[string]string{"channel": "whatsapp:12"}, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rr := f.do(testutil.CreateHTTPRequest(t, http.MethodPost, tt.path, tt.body))
			testutil.AssertHTTPStatus(t, tt.status, rr.Code, tt.name)
			testutil.AssertJSONResponse(t, rr, "error")
		})
	}
}

func TestStartConversationHandler_InvalidJSON(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodPost, "/bots/bot-1/conversations", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	rr := f.do(req)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid json")
}

func TestTurnHandler(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	rr := f.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/conversations/"+id+"/turns", models.TurnRequest{Message: "Lo uso ogni giorno"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "turn")
	resp := testutil.AssertJSONResponse(t, rr, "success")
	result, _ := resp["result"].(map[string]interface{})
	if result["reply"] != testReply {
		t.Errorf("expected scripted reply, got %v", result["reply"])
	}

	msgs, err := f.store.ListMessages(id)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Errorf("expected 3 messages after one turn, got %d", len(msgs))
	}
}

func TestTurnHandler_Errors(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
	}{
		{name: "empty message", path: "/conversations/" + id + "/turns", body: models.TurnRequest{Message: "  "}, status: http.StatusBadRequest},
		{name: "too long", path: "/conversations/" + id + "/turns", body: models.TurnRequest{Message: strings.Repeat("a", models.MaxTurnMessageLength+1)}, status: http.StatusBadRequest},
		{name: "unknown conversation", path: "/conversations/missing/turns", body: models.TurnRequest{Message: "ciao"}, status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(testutil.CreateHTTPRequest(t, http.MethodPost, tt.path, tt.body))
			testutil.AssertHTTPStatus(t, tt.status, rr.Code, tt.name)
		})
	}
}

func TestGetConversationHandler(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	rr := f.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/conversations/"+id, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get conversation")
	var resp struct {
		Result conversationView `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	if resp.Result.Conversation == nil || resp.Result.Conversation.ID != id {
		t.Fatalf("unexpected conversation %+v", resp.Result.Conversation)
	}
	if len(resp.Result.Messages) != 1 || resp.Result.Messages[0].Role != models.RoleAssistant {
		t.Errorf("expected the opening assistant message, got %+v", resp.Result.Messages)
	}

	rr = f.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/conversations/missing", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "missing conversation")
}

func seedFallbackConversation(t *testing.T, st store.Store) {
	t.Helper()
	now := time.Now()
	c := models.Conversation{ID: "c-gap", BotID: "bot-1", Language: "it", StartedAt: now, UpdatedAt: now,
		State: models.ConversationState{Phase: models.PhaseScan}}
	if err := st.CreateConversation(c); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	for i, m := range []models.Message{
		{Role: models.RoleUser, Content: "Quanto costa il piano annuale?"},
		{Role: models.RoleAssistant, Content: "Non ho questa informazione, mi dispiace."},
	} {
		m.ID = fmt.Sprintf("m-%d", i)
		m.ConversationID = c.ID
		m.CreatedAt = now
		if err := st.AppendMessage(m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}
}

func TestGapHandlers(t *testing.T) {
	f := newFixture(t)
	seedFallbackConversation(t, f.store)
	f.fake.Objects = map[string]any{
		"knowledge_gap": gaps.Classification{
			Topic: "pricing", Priority: "high", Reasoning: "price not documented",
			SuggestedQuestion: "Quanto costa il piano annuale?", SuggestedAnswerDraft: "Il piano annuale costa...",
		},
	}

	rr := f.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/bots/bot-1/gaps", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list gaps before detection")
	var list struct {
		Result []models.KnowledgeGap `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &list)
	if list.Result == nil || len(list.Result) != 0 {
		t.Errorf("expected an empty list, got %s", rr.Body.String())
	}

	rr = f.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/bots/bot-1/gaps/detect?lookbackDays=7", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "detect gaps")
	var detect struct {
		Result gaps.Report `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &detect)
	if detect.Result.Created != 1 || detect.Result.Fallbacks != 1 {
		t.Errorf("unexpected report %+v", detect.Result)
	}

	rr = f.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/bots/bot-1/gaps", nil))
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &list)
	if len(list.Result) != 1 || list.Result[0].Topic != models.GapCategoryPricing {
		t.Errorf("expected one pricing gap, got %+v", list.Result)
	}
}

func TestGapHandlers_Errors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{name: "list unknown bot", method: http.MethodGet, path: "/bots/missing/gaps", status: http.StatusNotFound},
		{name: "detect unknown bot", method: http.MethodPost, path: "/bots/missing/gaps/detect", status: http.StatusNotFound},
		{name: "lookback not a number", method: http.MethodPost, path: "/bots/bot-1/gaps/detect?lookbackDays=abc", status: http.StatusBadRequest},
		{name: "lookback zero", method: http.MethodPost, path: "/bots/bot-1/gaps/detect?lookbackDays=0", status: http.StatusBadRequest},
		{name: "lookback too large", method: http.MethodPost, path: "/bots/bot-1/gaps/detect?lookbackDays=91", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(testutil.CreateHTTPRequest(t, tt.method, tt.path, nil))
			testutil.AssertHTTPStatus(t, tt.status, rr.Code, tt.name)
		})
	}

	disabled := NewServer(f.server.engine, f.store, nil)
	rr := httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/bots/bot-1/gaps/detect", nil))
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "detector disabled")
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("load: %w", store.ErrNotFound), http.StatusNotFound},
		{interview.ErrConversationBusy, http.StatusConflict},
		{models.ErrEmptyMessage, http.StatusBadRequest},
		{models.ErrInvalidLookback, http.StatusBadRequest},
		{messaging.ErrInvalidRecipient, http.StatusBadRequest},
		{errors.New("database exploded"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		writeError(rr, "test", tt.err)
		testutil.AssertHTTPStatus(t, tt.status, rr.Code, tt.err.Error())
		if tt.status == http.StatusInternalServerError && strings.Contains(rr.Body.String(), "exploded") {
			t.Error("internal error details must not reach the client")
		}
	}
}

func webhookRequest(t *testing.T, form url.Values, signature string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set(twilioSignatureHeader, signature)
	}
	return req
}

// twilioSignature computes X-Twilio-Signature for a form POST.
func twilioSignature(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioWebhook_StartsAndContinuesConversation(t *testing.T) {
	f := newFixture(t, WithDefaultBot("bot-1"))
	form := url.Values{"From": {"whatsapp:+39 333 1234567"}, "Body": {"Ciao"}}

	rr := f.do(webhookRequest(t, form, ""))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "first inbound")
	if ct := rr.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("expected text/xml, got %q", ct)
	}
	f.server.inbound.Wait()

	conv, err := f.store.FindActiveConversation("", "whatsapp:+393331234567")
	if err != nil {
		t.Fatalf("expected an active conversation: %v", err)
	}
	if conv.BotID != "bot-1" {
		t.Errorf("expected default bot, got %s", conv.BotID)
	}

	form.Set("Body", "Lo uso ogni giorno")
	f.do(webhookRequest(t, form, ""))
	f.server.inbound.Wait()

	sent := f.sender.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 delivered replies, got %d", len(sent))
	}
	for _, m := range sent {
		if m.To != "whatsapp:+393331234567" {
			t.Errorf("unexpected recipient %q", m.To)
		}
	}
	msgs, _ := f.store.ListMessages(conv.ID)
	if len(msgs) != 3 || msgs[1].Content != "Lo uso ogni giorno" {
		t.Errorf("expected the second inbound message to be a turn, got %+v", msgs)
	}
}

// gatedCompleter holds every draft until gate is closed.
type gatedCompleter struct {
	*testutil.FakeCompleter
	gate chan struct{}
}

func (g *gatedCompleter) Complete(ctx context.Context, req genai.Request) (*genai.Response, error) {
	if req.Schema == nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.FakeCompleter.Complete(ctx, req)
}

func TestTwilioWebhook_SerializesBurstFromOneSender(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.SaveBot(testutil.SampleBot()); err != nil {
		t.Fatalf("SaveBot failed: %v", err)
	}
	c := &gatedCompleter{FakeCompleter: &testutil.FakeCompleter{Texts: []string{testReply}}, gate: make(chan struct{})}
	sender := messaging.NewMockSender()
	engine := interview.NewEngine(st, c, interview.WithSender(sender))
	srv := NewServer(engine, st, nil, WithDefaultBot("bot-1"))

	bodies := []string{"Ciao", "Lo uso ogni giorno", "Soprattutto al lavoro"}
	for _, body := range bodies {
		rr := httptest.NewRecorder()
		form := url.Values{"From": {"whatsapp:+393331234567"}, "Body": {body}}
		srv.Handler().ServeHTTP(rr, webhookRequest(t, form, ""))
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "inbound "+body)
	}
	close(c.gate)
	srv.inbound.Wait()

	convs, err := st.ListConversationsSince("bot-1", time.Time{})
	if err != nil {
		t.Fatalf("ListConversationsSince failed: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected one conversation for the sender, got %d", len(convs))
	}
	msgs, _ := st.ListMessages(convs[0].ID)
	if len(msgs) != 5 {
		t.Fatalf("expected opening plus two turns, got %d messages", len(msgs))
	}
	if msgs[1].Content != bodies[1] || msgs[3].Content != bodies[2] {
		t.Errorf("expected queued messages in arrival order, got %q then %q", msgs[1].Content, msgs[3].Content)
	}
	if n := len(sender.Sent()); n != 3 {
		t.Errorf("expected 3 deliveries, got %d", n)
	}
	if len(srv.pending) != 0 {
		t.Errorf("expected drained queues, got %v", srv.pending)
	}
}

func TestTwilioWebhook_Ignored(t *testing.T) {
	tests := []struct {
		name   string
		opts   []Option
		form   url.Values
		status int
	}{
		{name: "missing from", form: url.Values{"Body": {"Ciao"}}, status: http.StatusBadRequest},
		{name: "bad from", form: url.Values{"From": {"whatsapp:12"}, "Body": {"Ciao"}}, status: http.StatusBadRequest},
		{name: "empty body", opts: []Option{WithDefaultBot("bot-1")}, form: url.Values{"From": {"whatsapp:+393331234567"}, "Body": {"  "}}, status: http.StatusOK},
		{name: "no default bot", form: url.Values{"From": {"whatsapp:+393331234567"}, "Body": {"Ciao"}}, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts...)
			rr := f.do(webhookRequest(t, tt.form, ""))
			testutil.AssertHTTPStatus(t, tt.status, rr.Code, tt.name)
			f.server.inbound.Wait()
			if n := len(f.sender.Sent()); n != 0 {
				t.Errorf("expected no delivery, got %d", n)
			}
		})
	}
}

func TestTwilioWebhook_Signature(t *testing.T) {
	const token = "test-auth-token"
	const publicURL = "https://interviews.example.com/webhooks/twilio"
	f := newFixture(t, WithDefaultBot("bot-1"), WithTwilioValidation(token, publicURL))
	form := url.Values{"From": {"whatsapp:+393331234567"}, "Body": {"Ciao"}}

	rr := f.do(webhookRequest(t, form, "bm90LWEtc2lnbmF0dXJl"))
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "bad signature")

	rr = f.do(webhookRequest(t, form, twilioSignature(token, publicURL, form)))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "valid signature")
	f.server.inbound.Wait()
	if n := len(f.sender.Sent()); n != 1 {
		t.Errorf("expected one delivered reply, got %d", n)
	}
}

func TestServer_ShutdownDrainsInbound(t *testing.T) {
	f := newFixture(t, WithDefaultBot("bot-1"))
	form := url.Values{"From": {"whatsapp:+393331234567"}, "Body": {"Ciao"}}
	f.do(webhookRequest(t, form, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if n := len(f.sender.Sent()); n != 1 {
		t.Errorf("expected the in-flight inbound turn to finish before shutdown returned, got %d deliveries", n)
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t, WithAllowedOrigins("https://shop.example.com"))
	req := testutil.CreateHTTPRequest(t, http.MethodOptions, "/bots/bot-1/conversations", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := f.do(req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://shop.example.com" {
		t.Errorf("expected the widget origin to be allowed, got %q", got)
	}

	req = testutil.CreateHTTPRequest(t, http.MethodOptions, "/bots/bot-1/conversations", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr = f.do(req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected an unknown origin to be refused, got %q", got)
	}
}

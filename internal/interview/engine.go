// Package interview is the per-turn orchestrator. It loads the conversation,
// classifies the user turn, runs the phase machine, drafts the reply behind
// the interception guards and persists the result.
package interview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/InterviewPipe/internal/events"
	"github.com/BTreeMap/InterviewPipe/internal/flow"
	"github.com/BTreeMap/InterviewPipe/internal/genai"
	"github.com/BTreeMap/InterviewPipe/internal/knowledge"
	"github.com/BTreeMap/InterviewPipe/internal/messaging"
	"github.com/BTreeMap/InterviewPipe/internal/models"
	"github.com/BTreeMap/InterviewPipe/internal/plan"
	"github.com/BTreeMap/InterviewPipe/internal/quality"
	"github.com/BTreeMap/InterviewPipe/internal/sanitize"
	"github.com/BTreeMap/InterviewPipe/internal/store"
	"github.com/BTreeMap/InterviewPipe/internal/tone"
)

// ErrConversationBusy is returned when another turn of the same conversation is in flight.
var ErrConversationBusy = errors.New("conversation is processing another turn")

const (
	// DefaultMaxDrafts is one draft plus two regenerations.
	DefaultMaxDrafts = 3
	// DefaultToneRefreshTurns is how often the tone profile is re-estimated.
	DefaultToneRefreshTurns = 3
	// MaxHistoryMessages limits the transcript sent with each draft.
	MaxHistoryMessages = 30
	// DefaultLanguage applies to bots without a language.
	DefaultLanguage = "it"

	reasonEmpty flow.InterceptReason = "empty"
)

// Opts configures an Engine.
type Opts struct {
	Publisher        events.Publisher
	Sender           messaging.Sender
	MaxDrafts        int
	ToneRefreshTurns int
	Timeout          time.Duration
	Now              func() time.Time
}

// Option defines a configuration option for the Engine.
type Option func(*Opts)

// WithPublisher sets the domain event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *Opts) {
		o.Publisher = p
	}
}

// WithSender delivers replies of channel-bound conversations.
func WithSender(s messaging.Sender) Option {
	return func(o *Opts) {
		o.Sender = s
	}
}

// WithMaxDrafts bounds drafts per reply before the canned fallback is used.
func WithMaxDrafts(n int) Option {
	return func(o *Opts) {
		o.MaxDrafts = n
	}
}

// WithToneRefreshTurns sets how many user turns a tone profile is reused for.
func WithToneRefreshTurns(n int) Option {
	return func(o *Opts) {
		o.ToneRefreshTurns = n
	}
}

// WithDraftTimeout bounds each drafting call.
func WithDraftTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Engine runs interview conversations. Turns of one conversation are
// serialized; different conversations proceed in parallel.
type Engine struct {
	store     store.Store
	completer genai.Completer
	tone      *tone.Estimator
	knowledge *knowledge.Builder
	consent   *flow.ConsentClassifier
	subGoals  *flow.SubGoalSelector
	publisher events.Publisher
	sender    messaging.Sender

	maxDrafts   int
	toneRefresh int
	timeout     time.Duration
	now         func() time.Time

	mu    sync.Mutex
	busy  map[string]struct{}
	tones map[string]tone.Profile
}

// NewEngine wires the engine. A nil completer runs every component on its deterministic fallback.
func NewEngine(st store.Store, c genai.Completer, opts ...Option) *Engine {
	o := Opts{
		MaxDrafts:        DefaultMaxDrafts,
		ToneRefreshTurns: DefaultToneRefreshTurns,
		Timeout:          genai.DefaultTimeout,
		Now:              time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Publisher == nil {
		o.Publisher = events.NopPublisher{}
	}
	if o.MaxDrafts <= 0 {
		o.MaxDrafts = DefaultMaxDrafts
	}
	if o.ToneRefreshTurns <= 0 {
		o.ToneRefreshTurns = DefaultToneRefreshTurns
	}
	return &Engine{
		store:       st,
		completer:   c,
		tone:        tone.NewEstimator(c, 0),
		knowledge:   knowledge.NewBuilder(c, 0),
		consent:     flow.NewConsentClassifier(c, 0),
		subGoals:    flow.NewSubGoalSelector(c, 0),
		publisher:   o.Publisher,
		sender:      o.Sender,
		maxDrafts:   o.MaxDrafts,
		toneRefresh: o.ToneRefreshTurns,
		timeout:     o.Timeout,
		now:         o.Now,
		busy:        make(map[string]struct{}),
		tones:       make(map[string]tone.Profile),
	}
}

// StartResult is the opening of a new conversation.
type StartResult struct {
	ConversationID string       `json:"conversationId"`
	Reply          string       `json:"reply"`
	Phase          models.Phase `json:"phase"`
	TopicLabel     string       `json:"topicLabel,omitempty"`
	Completed      bool         `json:"completed"`
}

// TurnResult is the assistant reply to one user turn.
type TurnResult struct {
	ConversationID string         `json:"conversationId"`
	Reply          string         `json:"reply"`
	Phase          models.Phase   `json:"phase"`
	TopicLabel     string         `json:"topicLabel,omitempty"`
	Completed      bool           `json:"completed"`
	Quality        quality.Result `json:"quality"`
	Usage          genai.Usage    `json:"usage"`
	Drafts         int            `json:"drafts"`
	Fallback       bool           `json:"fallback,omitempty"`
}

// Start creates a conversation for botID, builds its topic plan and emits the opening question.
// channel is empty for API-only conversations.
func (e *Engine) Start(ctx context.Context, botID, channel string) (*StartResult, error) {
	bot, err := e.store.GetBot(botID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bot %s: %w", botID, err)
	}
	if channel != "" {
		if channel, err = messaging.CanonicalRecipient(channel); err != nil {
			return nil, err
		}
	}

	now := e.now()
	p := plan.Build(*bot, now)
	conv := models.Conversation{
		ID:        uuid.New().String(),
		BotID:     bot.ID,
		Channel:   channel,
		Language:  languageOf(*bot),
		Plan:      p,
		State:     flow.Initial(p, bot.CandidateDataFields),
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateConversation(conv); err != nil {
		slog.Error("Engine.Start: failed to create conversation", "botID", botID, "error", err)
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	release, ok := e.acquire(conv.ID)
	if !ok {
		return nil, ErrConversationBusy
	}
	defer release()

	d := e.respond(ctx, *bot, &conv, nil, "", "")
	if err := e.persist(&conv, d, nil); err != nil {
		return nil, err
	}
	slog.Info("Engine.Start: conversation started", "conversationID", conv.ID, "botID", bot.ID,
		"topics", len(p.Scan.Topics), "totalTimeSec", p.Meta.TotalTimeSec)
	e.deliver(ctx, conv, d.reply)

	return &StartResult{
		ConversationID: conv.ID,
		Reply:          d.reply,
		Phase:          conv.State.Phase,
		TopicLabel:     d.topicLabel,
		Completed:      conv.State.Phase == models.PhaseCompleted,
	}, nil
}

// HandleTurn processes one user message and returns the assistant reply.
// A concurrent call for the same conversation fails with ErrConversationBusy.
func (e *Engine) HandleTurn(ctx context.Context, conversationID, userText string) (*TurnResult, error) {
	release, ok := e.acquire(conversationID)
	if !ok {
		return nil, ErrConversationBusy
	}
	defer release()

	conv, err := e.store.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	history, err := e.store.ListMessages(conv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	lastAssistant := lastAssistantText(history)

	if conv.State.Phase == models.PhaseCompleted {
		slog.Debug("Engine.HandleTurn: conversation already completed", "conversationID", conv.ID)
		return &TurnResult{ConversationID: conv.ID, Reply: lastAssistant, Phase: models.PhaseCompleted, Completed: true}, nil
	}

	bot, err := e.store.GetBot(conv.BotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bot %s: %w", conv.BotID, err)
	}

	text := sanitize.Sanitize(userText, 0)
	if text == "" {
		return nil, models.ErrEmptyMessage
	}
	userMsg := models.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        text,
		CreatedAt:      e.now(),
	}
	history = append(history, userMsg)

	var usage genai.Usage
	in := flow.TransitionInput{
		ShouldCollectData: bot.ShouldCollectData(),
		Fields:            bot.CandidateDataFields,
		Intent:            flow.Neutral(),
	}
	switch conv.State.Phase {
	case models.PhaseDeepOffer, models.PhaseDataCollection:
		intent, u := e.consent.Classify(ctx, lastAssistant, text, conv.Language)
		usage = usage.Add(u)
		in.Intent = intent
		if conv.State.Phase == models.PhaseDataCollection {
			asking := ""
			if conv.State.ConsentGiven {
				asking = conv.State.MissingField
			}
			in.FieldValues = flow.ExtractFieldValues(text, bot.CandidateDataFields, asking)
		}
	}

	prev := conv.State
	tr := flow.Next(prev, conv.Plan, in)
	conv.State = tr.State
	slog.Debug("Engine.HandleTurn: transition", "conversationID", conv.ID, "from", prev.Phase,
		"to", conv.State.Phase, "topicID", conv.State.CurrentTopicID, "turnsInTopic", conv.State.TurnsInTopic,
		"intent", in.Intent.Kind, "remainingSec", conv.State.RemainingSec)

	d := e.respond(ctx, *bot, conv, history, text, lastAssistant)
	d.usage = d.usage.Add(usage)
	if err := e.persist(conv, d, &userMsg); err != nil {
		return nil, err
	}

	completed := conv.State.Phase == models.PhaseCompleted
	slog.Info("Engine.HandleTurn: reply emitted", "conversationID", conv.ID, "phase", d.phase,
		"drafts", d.drafts, "fallback", d.fallback, "quality", d.quality.Score, "failedChecks", d.quality.Failed,
		"inputTokens", d.usage.InputTokens, "outputTokens", d.usage.OutputTokens)

	e.publish(ctx, events.SubjectTurnCompleted, events.TurnCompleted{
		ConversationID: conv.ID, BotID: conv.BotID, Phase: string(d.phase), TopicLabel: d.topicLabel,
		QualityScore: d.quality.Score, Drafts: d.drafts,
		InputTokens: d.usage.InputTokens, OutputTokens: d.usage.OutputTokens, At: conv.UpdatedAt,
	})
	if completed {
		e.forgetTone(conv.ID)
		fields := make([]string, 0, len(conv.State.Collected))
		for _, f := range bot.CandidateDataFields {
			if conv.State.Collected[f.Field] != "" {
				fields = append(fields, f.Field)
			}
		}
		e.publish(ctx, events.SubjectConversationCompleted, events.ConversationCompleted{
			ConversationID: conv.ID, BotID: conv.BotID, Turns: conv.State.TurnCount,
			DeepAccepted: conv.State.DeepAccepted, CollectedFields: fields, At: conv.UpdatedAt,
		})
	}
	e.deliver(ctx, *conv, d.reply)

	return &TurnResult{
		ConversationID: conv.ID,
		Reply:          d.reply,
		Phase:          conv.State.Phase,
		TopicLabel:     d.topicLabel,
		Completed:      completed,
		Quality:        d.quality,
		Usage:          d.usage,
		Drafts:         d.drafts,
		Fallback:       d.fallback,
	}, nil
}

// Conversation returns a conversation and its messages.
func (e *Engine) Conversation(id string) (*models.Conversation, []models.Message, error) {
	conv, err := e.store.GetConversation(id)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := e.store.ListMessages(id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return conv, msgs, nil
}

// draft is the outcome of respond.
type draft struct {
	reply      string
	phase      models.Phase
	topicLabel string
	quality    quality.Result
	usage      genai.Usage
	drafts     int
	fallback   bool
}

// respond drafts the reply for conv.State, records the targeted sub-goal
// and settles the state. It never fails: backend errors end in a canned reply.
func (e *Engine) respond(ctx context.Context, bot models.BotConfig, conv *models.Conversation, history []models.Message, userText, previous string) draft {
	state := conv.State
	d := draft{phase: state.Phase}

	topic, inTopic := conv.Plan.Topic(state.CurrentTopicID)
	if inTopic && (state.Phase.IsTopicPhase() || state.Phase == models.PhaseDeepOffer) {
		d.topicLabel = topic.Label
	}

	var cues []string
	if inTopic && state.Phase.IsTopicPhase() {
		rk, u := e.runtimeKnowledge(ctx, bot, conv.Plan)
		d.usage = d.usage.Add(u)
		cues = knowledge.CuesFor(rk, state.CurrentTopicID)
	}

	profile, u := e.toneFor(ctx, conv, history)
	d.usage = d.usage.Add(u)

	subGoal := ""
	if inTopic {
		var u genai.Usage
		subGoal, u = e.subGoals.Select(ctx, flow.SelectInput{
			Phase: state.Phase, Topic: topic, State: state, LastUserText: userText, Language: conv.Language,
		})
		d.usage = d.usage.Add(u)
	}

	action := flow.GetCompletionGuardAction(flow.CompletionInput(state, bot.ShouldCollectData()))
	system := BuildSystemPrompt(PromptInput{
		Bot:       bot,
		Plan:      conv.Plan,
		State:     state,
		Topic:     topic,
		SubGoal:   subGoal,
		Cues:      cues,
		ToneGuide: tone.BuildToneGuide(profile),
		Language:  conv.Language,
		Action:    action,
	})

	reply, drafts, u := e.draftReply(ctx, conv.ID, system, tail(history, MaxHistoryMessages), state.Phase, action)
	d.usage = d.usage.Add(u)
	d.drafts = drafts
	if reply == "" {
		reply = cannedReply(state, action, topic, bot, conv.Language)
		d.fallback = true
		slog.Warn("Engine.respond: using canned reply", "conversationID", conv.ID, "phase", state.Phase, "drafts", drafts)
	}
	d.reply = reply

	d.quality = quality.Evaluate(quality.Input{
		Phase:                     state.Phase,
		TopicLabel:                d.topicLabel,
		UserResponse:              userText,
		AssistantResponse:         reply,
		PreviousAssistantResponse: previous,
		Language:                  conv.Language,
	})

	flow.RecordSubGoal(&state, state.Phase, state.CurrentTopicID, subGoal)
	conv.State = flow.Settle(state)
	return d
}

// draftReply requests up to maxDrafts completions and returns the first one
// no guard intercepts, with the completion tag removed. It returns "" when
// every draft was rejected or the backend failed.
func (e *Engine) draftReply(ctx context.Context, convID, system string, history []models.Message, phase models.Phase, action flow.CompletionAction) (string, int, genai.Usage) {
	var usage genai.Usage
	if e.completer == nil {
		return "", 0, usage
	}
	req := genai.Request{System: system, Messages: history}
	if len(history) == 0 {
		req.Prompt = "Start the interview now with your first question."
	}

	for attempt := 1; attempt <= e.maxDrafts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		resp, err := e.completer.Complete(callCtx, req)
		cancel()
		if err != nil {
			slog.Warn("Engine.draftReply: completion failed", "conversationID", convID, "attempt", attempt, "error", err)
			return "", attempt, usage
		}
		usage = usage.Add(resp.Usage)

		raw := strings.TrimSpace(resp.Text)
		intercept, reason := flow.ShouldIntercept(phase, flow.ClassifyReply(raw, phase), action)
		text, _ := flow.StripCompletionTag(raw)
		if !intercept && text == "" {
			intercept, reason = true, reasonEmpty
		}
		if !intercept {
			return text, attempt, usage
		}
		slog.Debug("Engine.draftReply: draft intercepted", "conversationID", convID, "phase", phase,
			"attempt", attempt, "reason", reason)
		req.System = system + "\n<CORRECTION>\n" + correction(reason, action) + "\n</CORRECTION>\n"
	}
	return "", e.maxDrafts, usage
}

// persist records the user message, when there is one, the assistant reply
// and the state in one write. A failure leaves no partial turn behind.
func (e *Engine) persist(conv *models.Conversation, d draft, user *models.Message) error {
	now := e.now()
	conv.UpdatedAt = now
	if conv.State.Phase == models.PhaseCompleted && conv.CompletedAt == nil {
		conv.CompletedAt = &now
	}
	msgs := make([]models.Message, 0, 2)
	if user != nil {
		msgs = append(msgs, *user)
	}
	msgs = append(msgs, models.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        d.reply,
		Phase:          d.phase,
		TopicLabel:     d.topicLabel,
		InputTokens:    d.usage.InputTokens,
		OutputTokens:   d.usage.OutputTokens,
		CreatedAt:      now,
	})
	if err := e.store.RecordTurn(*conv, msgs...); err != nil {
		slog.Error("Engine.persist: failed to record turn", "conversationID", conv.ID, "error", err)
		return fmt.Errorf("failed to record turn: %w", err)
	}
	return nil
}

// runtimeKnowledge returns the bot's cached cues, rebuilding them on a signature mismatch.
// Fallback cues are not cached so a later turn can retry generation.
func (e *Engine) runtimeKnowledge(ctx context.Context, bot models.BotConfig, p models.TopicPlan) (models.RuntimeKnowledge, genai.Usage) {
	cached, err := e.store.GetRuntimeKnowledge(bot.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("Engine.runtimeKnowledge: failed to read cache", "botID", bot.ID, "error", err)
	}
	rk, usage, rebuilt := e.knowledge.Ensure(ctx, bot, p, cached)
	if rebuilt && rk.Source != models.KnowledgeSourceFallback {
		if err := e.store.SaveRuntimeKnowledge(bot.ID, rk); err != nil {
			slog.Warn("Engine.runtimeKnowledge: failed to cache", "botID", bot.ID, "error", err)
		}
	}
	return rk, usage
}

// toneFor reuses the conversation's profile for toneRefresh user turns.
func (e *Engine) toneFor(ctx context.Context, conv *models.Conversation, history []models.Message) (tone.Profile, genai.Usage) {
	e.mu.Lock()
	p, ok := e.tones[conv.ID]
	e.mu.Unlock()
	userTurns := 0
	for _, m := range history {
		if m.Role == models.RoleUser {
			userTurns++
		}
	}
	if userTurns == 0 {
		return tone.Neutral(), genai.Usage{}
	}
	if ok && (userTurns-1)%e.toneRefresh != 0 {
		return p, genai.Usage{}
	}
	p, usage := e.tone.Estimate(ctx, history, conv.Language)
	e.mu.Lock()
	e.tones[conv.ID] = p
	e.mu.Unlock()
	return p, usage
}

func (e *Engine) forgetTone(id string) {
	e.mu.Lock()
	delete(e.tones, id)
	e.mu.Unlock()
}

// acquire marks a conversation busy. The returned func releases it.
func (e *Engine) acquire(id string) (func(), bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, held := e.busy[id]; held {
		return nil, false
	}
	e.busy[id] = struct{}{}
	return func() {
		e.mu.Lock()
		delete(e.busy, id)
		e.mu.Unlock()
	}, true
}

func (e *Engine) publish(ctx context.Context, subject string, event any) {
	if err := e.publisher.Publish(ctx, subject, event); err != nil {
		slog.Warn("Engine.publish: failed to publish event", "subject", subject, "error", err)
	}
}

// deliver sends the reply on the conversation's channel. Failures are logged;
// the reply is already persisted.
func (e *Engine) deliver(ctx context.Context, conv models.Conversation, reply string) {
	if e.sender == nil || conv.Channel == "" || reply == "" {
		return
	}
	if err := e.sender.SendMessage(ctx, conv.Channel, reply); err != nil {
		slog.Error("Engine.deliver: failed to send reply", "conversationID", conv.ID, "channel", conv.Channel, "error", err)
	}
}

func languageOf(bot models.BotConfig) string {
	if l := strings.ToLower(strings.TrimSpace(bot.Language)); l != "" {
		return l
	}
	return DefaultLanguage
}

func lastAssistantText(msgs []models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			return msgs[i].Content
		}
	}
	return ""
}

func tail(msgs []models.Message, n int) []models.Message {
	if len(msgs) > n {
		return msgs[len(msgs)-n:]
	}
	return msgs
}

// Package genai provides the completion backend used by the interview engine.
//
// Callers depend on the Completer interface; Client implements it on top of
// the OpenAI chat completions API with JSON-schema structured output.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/InterviewPipe/internal/models"
)

// Error variables for better error handling and testability.
var (
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrAPIKeyNotSet      = errors.New("OPENAI_API_KEY not set")
	ErrEmptyRequest      = errors.New("request has neither prompt nor messages")
)

const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 600
	DefaultTimeout     = 20 * time.Second
)

// Schema describes a JSON-schema structured response.
type Schema struct {
	Name       string
	Definition map[string]any
}

// Request is a single completion call.
type Request struct {
	System      string
	Prompt      string           // appended as the final user message when set
	Messages    []models.Message // conversation history, oldest first
	Schema      *Schema          // nil for plain text
	Temperature *float64         // nil selects the client default
	MaxTokens   int
}

// Usage reports token consumption of a call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// Response carries either plain text or, when a schema was requested, the raw JSON object.
type Response struct {
	Text   string
	Object json.RawMessage
	Usage  Usage
}

// Completer is the completion backend capability.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// CompleteJSON runs a schema request and decodes the object into out.
func CompleteJSON(ctx context.Context, c Completer, req Request, out any) (Usage, error) {
	if req.Schema == nil {
		return Usage{}, fmt.Errorf("CompleteJSON requires a schema")
	}
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return Usage{}, err
	}
	raw := resp.Object
	if len(raw) == 0 {
		raw = json.RawMessage(resp.Text)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.Usage, fmt.Errorf("failed to decode %s response: %w", req.Schema.Name, err)
	}
	return resp.Usage, nil
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsService adapts the SDK service to chatService.
type completionsService struct {
	svc *openai.ChatCompletionService
}

func (s completionsService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client wraps the OpenAI ChatCompletion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	debugMode   bool
	stateDir    string
}

var _ Completer = (*Client)(nil)

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	DebugMode   bool
	StateDir    string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey overrides the API key used by the client.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens sets the default completion token cap.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithTimeout bounds every call that has no earlier context deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithDebugMode writes every call to <stateDir>/debug as JSON.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// NewClient initializes a new GenAI client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("GenAI client created", "model", cfg.Model, "debugMode", cfg.DebugMode)
	return &Client{
		chat:        completionsService{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// Complete sends one chat completion request.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Warn("Client.Complete: chat completion failed", "model", c.model, "error", err)
		c.logDebug(params, nil, err)
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	c.logDebug(params, &resp, nil)
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoicesReturned
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	out := &Response{
		Text: content,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if req.Schema != nil {
		if !json.Valid([]byte(content)) {
			return out, fmt.Errorf("%s response is not valid JSON", req.Schema.Name)
		}
		out.Object = json.RawMessage(content)
	}
	slog.Debug("Client.Complete: done", "model", c.model, "inputTokens", out.Usage.InputTokens,
		"outputTokens", out.Usage.OutputTokens, "elapsed", time.Since(start))
	return out, nil
}

func (c *Client) buildParams(req Request) (openai.ChatCompletionNewParams, error) {
	if strings.TrimSpace(req.Prompt) == "" && len(req.Messages) == 0 {
		return openai.ChatCompletionNewParams{}, ErrEmptyRequest
	}
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+2)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m.Role == models.RoleAssistant {
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		} else {
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	if req.Prompt != "" {
		msgs = append(msgs, openai.UserMessage(req.Prompt))
	}

	temperature := c.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    msgs,
		Temperature: openai.Float(temperature),
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	if req.Schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.Schema.Name,
					Schema: req.Schema.Definition,
					Strict: openai.Bool(true),
				},
			},
		}
	}
	return params, nil
}

// logDebug writes the call to a JSON file under stateDir/debug when debug mode is on.
func (c *Client) logDebug(params openai.ChatCompletionNewParams, resp *openai.ChatCompletion, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Client.logDebug: failed to create debug dir", "dir", dir, "error", err)
		return
	}
	entry := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"method":    "Complete",
		"model":     c.model,
		"params":    params,
		"response":  resp,
	}
	if callErr != nil {
		entry["error"] = callErr.Error()
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("Client.logDebug: failed to marshal entry", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("Client.logDebug: failed to write entry", "error", err)
	}
}

// Float returns a pointer for Request.Temperature.
func Float(v float64) *float64 { return &v }

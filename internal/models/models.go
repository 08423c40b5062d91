// Package models defines the core data structures for InterviewPipe.
//
// It includes the interview domain types (bots, topic plans, conversation state,
// messages, knowledge gaps) and the JSON envelope shared by the HTTP API.
package models

import (
	"errors"
	"strings"
)

// Validation constants for input validation
const (
	// MaxTurnMessageLength defines the maximum accepted length of a user turn, before sanitization.
	MaxTurnMessageLength = 8000
	// MaxLookbackDays caps the knowledge gap scan window.
	MaxLookbackDays = 90
)

// Error variables for better error handling and testability
var (
	ErrEmptyBotID         = errors.New("bot id cannot be empty")
	ErrEmptyMessage       = errors.New("message cannot be empty")
	ErrMessageTooLong     = errors.New("message exceeds maximum length")
	ErrNoTopics           = errors.New("bot must define at least one topic")
	ErrEmptyTopicLabel    = errors.New("topic label cannot be empty")
	ErrDuplicateTopicID   = errors.New("duplicate topic id")
	ErrInvalidTurnBounds  = errors.New("topic maxTurns must be greater than or equal to minTurns")
	ErrEmptyDataField     = errors.New("candidate data field name cannot be empty")
	ErrInvalidLookback    = errors.New("lookback days out of range")
	ErrUnsupportedChannel = errors.New("unsupported channel")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// StartConversationRequest is the payload for POST /bots/{botID}/conversations.
type StartConversationRequest struct {
	Channel string `json:"channel,omitempty"` // e.g. "whatsapp:+391234567890"; empty for API-only conversations
}

// Validate validates a StartConversationRequest.
func (r *StartConversationRequest) Validate() error {
	if r.Channel != "" && !strings.HasPrefix(r.Channel, "whatsapp:") {
		return ErrUnsupportedChannel
	}
	return nil
}

// TurnRequest is the payload for POST /conversations/{id}/turns.
type TurnRequest struct {
	Message string `json:"message"`
}

// Validate validates a TurnRequest.
func (r *TurnRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxTurnMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// Package llm provides the chat-completion client interface used to phrase bot messages
// and interpret free text, plus middleware composition for clients.
package llm

import (
	"context"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	RoleSystem    CompletionRole = "system"
	RoleUser      CompletionRole = "user"
	RoleAssistant CompletionRole = "assistant"
)

// TemperatureDefault is used when a request leaves Temperature unset.
const TemperatureDefault = 0.7

// CompletionMessage represents a message in a completion request.
type CompletionMessage struct {
	Role    CompletionRole
	Content string
}

// CompletionRequest represents a request to generate a completion.
// Model overrides the client's default model when set (reader and constraint models).
type CompletionRequest struct {
	Messages    []CompletionMessage
	Model       string
	Temperature *float32
}

// CompletionResponse is the reply of one chat call.
type CompletionResponse struct {
	Content string
	Model   string
}

// Client defines the interface for chat backend interactions.
type Client interface {
	// Complete performs one non-streaming chat call.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// GetModelName returns the default model for this client.
	GetModelName() string
}

// NewCompletionRequest creates a request from messages with the default model and
// no temperature option.
func NewCompletionRequest(messages ...CompletionMessage) CompletionRequest {
	return CompletionRequest{Messages: messages}
}

// WithTemperature returns a copy of the request carrying an explicit temperature.
func (r CompletionRequest) WithTemperature(t float32) CompletionRequest {
	r.Temperature = &t
	return r
}

// WithModel returns a copy of the request bound to model.
func (r CompletionRequest) WithModel(model string) CompletionRequest {
	r.Model = model
	return r
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

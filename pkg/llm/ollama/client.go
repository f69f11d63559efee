// Package ollama implements llm.Client over the Ollama chat API.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"negotiator/pkg/llm"
	"negotiator/pkg/llm/llmerrors"
)

// DefaultHost is used when a host URL cannot be parsed.
const DefaultHost = "http://localhost:11434"

// Credentials authenticate against a reverse proxy in front of the backend.
type Credentials struct {
	User     string
	Password string
}

// Client wraps the Ollama API client to implement llm.Client.
type Client struct {
	client  *api.Client
	model   string
	hostURL string
}

// basicAuth adds HTTP basic auth to every request.
type basicAuth struct {
	creds Credentials
	next  http.RoundTripper
}

func (b basicAuth) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.SetBasicAuth(b.creds.User, b.creds.Password)
	return b.next.RoundTrip(r) //nolint:wrapcheck // transport errors are classified by the caller
}

// NewClient creates a client for hostURL using model by default. Empty credentials
// disable basic auth.
func NewClient(hostURL, model string, creds Credentials) *Client {
	parsedURL, err := url.Parse(hostURL)
	if err != nil || parsedURL.Host == "" {
		parsedURL, _ = url.Parse(DefaultHost)
	}

	httpClient := http.DefaultClient
	if creds.User != "" || creds.Password != "" {
		httpClient = &http.Client{Transport: basicAuth{creds: creds, next: http.DefaultTransport}}
	}

	return &Client{
		client:  api.NewClient(parsedURL, httpClient),
		model:   model,
		hostURL: parsedURL.String(),
	}
}

// Complete implements llm.Client. An empty reply is reported as ErrorTypeEmptyResponse.
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if len(in.Messages) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	model := o.model
	if in.Model != "" {
		model = in.Model
	}

	messages := make([]api.Message, 0, len(in.Messages))
	for i := range in.Messages {
		messages = append(messages, api.Message{
			Role:    string(in.Messages[i].Role),
			Content: in.Messages[i].Content,
		})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
	}
	if in.Temperature != nil {
		req.Options = map[string]any{"temperature": *in.Temperature}
	}

	var response api.ChatResponse
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}

	if strings.TrimSpace(response.Message.Content) == "" {
		return llm.CompletionResponse{Model: model}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse,
			fmt.Sprintf("empty message content from %s", o.hostURL))
	}
	return llm.CompletionResponse{Content: response.Message.Content, Model: model}, nil
}

// GetModelName returns the default model for this client.
func (o *Client) GetModelName() string {
	return o.model
}

// Host returns the backend URL this client talks to.
func (o *Client) Host() string {
	return o.hostURL
}

// Heartbeat checks that the backend answers within timeout.
func (o *Client) Heartbeat(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := o.client.Heartbeat(ctx); err != nil {
		return classifyError(err)
	}
	return nil
}

// classifyError converts Ollama errors to our error types.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
			return &llmerrors.Error{Type: llmerrors.ErrorTypeAuth, Err: err, StatusCode: statusErr.StatusCode,
				Message: fmt.Sprintf("Ollama rejected credentials: %v", err)}
		case statusErr.StatusCode == http.StatusNotFound:
			return &llmerrors.Error{Type: llmerrors.ErrorTypeBadPrompt, Err: err, StatusCode: statusErr.StatusCode,
				Message: fmt.Sprintf("Ollama model not found: %v", err)}
		case statusErr.StatusCode >= http.StatusInternalServerError:
			return &llmerrors.Error{Type: llmerrors.ErrorTypeTransient, Err: err, StatusCode: statusErr.StatusCode,
				Message: fmt.Sprintf("Ollama server error: %v", err)}
		}
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "no such host"),
		strings.Contains(errStr, "connection reset"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, fmt.Sprintf("Ollama server not reachable: %v", err))
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, fmt.Sprintf("Ollama model not found: %v", err))
	case strings.Contains(errStr, "context canceled"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, fmt.Sprintf("request canceled: %v", err))
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, fmt.Sprintf("request timeout: %v", err))
	default:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, fmt.Sprintf("Ollama API error: %v", err))
	}
}

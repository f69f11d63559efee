package llm

import (
	"context"
)

// Middleware represents a function that wraps a Client with additional behavior.
// Middleware functions are composed using Chain() to create a processing pipeline.
type Middleware func(next Client) Client

// clientFunc is an adapter that allows plain functions to implement the Client interface.
type clientFunc struct {
	complete     func(context.Context, CompletionRequest) (CompletionResponse, error)
	getModelName func() string
}

func (f clientFunc) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	return f.complete(ctx, req)
}

func (f clientFunc) GetModelName() string {
	return f.getModelName()
}

// WrapClient creates a new Client using the provided function implementations.
func WrapClient(
	complete func(context.Context, CompletionRequest) (CompletionResponse, error),
	getModelName func() string,
) Client {
	return clientFunc{
		complete:     complete,
		getModelName: getModelName,
	}
}

// Chain composes multiple middlewares around a base Client.
// Middlewares are applied in order, with earlier middlewares being outermost:
//
//	Chain(client, mw1, mw2) => mw1 -> mw2 -> client
func Chain(base Client, middlewares ...Middleware) Client {
	client := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		client = middlewares[i](client)
	}
	return client
}

package provider

import (
	"context"
)

// Request is one synchronous inference call. Usage counts come back with
// the response; cost is settled by the caller, not the provider.
type Request struct {
	Model  string
	Prompt string
	// Metadata for logging and tracing
	Account   string
	RequestID string
}

type Response struct {
	ID           string
	Text         string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
	SupportedModels() []string
}

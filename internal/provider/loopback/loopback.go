// Package loopback is a deterministic offline provider for development and
// tests. It never leaves the process; usage counts are derived from the
// prompt the same way the estimator approximates them, so loopback
// settlements reconcile with small, predictable deltas.
package loopback

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/vnmchuo/credit-gateway/internal/provider"
)

type LoopbackProvider struct {
	models []string
}

func New(models []string) provider.Provider {
	return &LoopbackProvider{models: models}
}

func (p *LoopbackProvider) Complete(_ context.Context, req *provider.Request) (*provider.Response, error) {
	inputTokens := len(req.Prompt)/4 + 10
	text := fmt.Sprintf("[%s loopback] echo: %s", req.Model, req.Prompt)
	outputTokens := len(text)/4 + 1

	return &provider.Response{
		ID:           uuid.New().String(),
		Text:         text,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Model:        req.Model,
		Provider:     p.Name(),
	}, nil
}

func (p *LoopbackProvider) Name() string {
	return "loopback"
}

func (p *LoopbackProvider) SupportedModels() []string {
	return p.models
}

// Package llm defines the model provider interface used by the executor and
// an OpenAI-compatible implementation.
package llm

import (
	"context"

	"github.com/thruflo/ember/internal/tokens"
)

// Message roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token accounting a provider reports for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the uniform result of a Generate call. Usage is nil when the
// provider did not report it.
type Response struct {
	Text  string
	Usage *Usage
}

// Provider generates a completion for a list of messages. Generate blocks
// until the completion is available or ctx is done.
type Provider interface {
	Generate(ctx context.Context, messages []Message, maxTokens int) (*Response, error)
	// CountTokens is used when a response carries no Usage.
	CountTokens(text string) int
}

// TokensUsed returns the reported total, or an estimate from the provider's
// CountTokens over prompt and response when no usage was reported.
func TokensUsed(p Provider, messages []Message, resp *Response) int {
	if resp == nil {
		return 0
	}
	if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		return resp.Usage.TotalTokens
	}
	total := p.CountTokens(resp.Text)
	for _, m := range messages {
		total += p.CountTokens(m.Content)
	}
	return total
}

// EstimateCounter implements CountTokens with the shared estimator.
type EstimateCounter struct{}

// CountTokens implements Provider.CountTokens.
func (EstimateCounter) CountTokens(text string) int {
	return tokens.EstimateTokens(text)
}

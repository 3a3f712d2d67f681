// Package llmclient talks to the external reasoning model. Generators carry
// one prompt to a provider; the Planner builds prompts from game captures
// and parses the replies into tasks and actions.
package llmclient

import (
	"context"
	"errors"
)

// ErrNoContent is returned when the model answered without any text.
var ErrNoContent = errors.New("model returned no content")

// ErrInvalidJSON is returned when no JSON object can be recovered from a reply.
var ErrInvalidJSON = errors.New("model reply is not valid JSON")

// Request is one multimodal prompt.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	// Image is an optional PNG attached before the user prompt.
	Image []byte
	// JSON asks the provider for an application/json response.
	JSON bool
}

// Generator sends a prompt and returns the model's text.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

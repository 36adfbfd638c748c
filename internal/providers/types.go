// Package providers hosts the LLM backends. The core treats a provider as a
// single opaque operation: send instructions plus input, get text back.
package providers

import "context"

// Request is one LLM call.
type Request struct {
	Model        string
	Instructions string // system / behavioral prompt
	Input        string // the serialized HUD
	// PreviousResponseID chains server-side conversation state where the
	// backend supports it; providers without that concept ignore it.
	PreviousResponseID string
	// Temperature is sent only when non-nil and the model accepts it.
	Temperature *float64
}

// Response is the result of a Send.
type Response struct {
	Text       string
	ResponseID string
	TokensUsed int
}

// Provider is the interface all LLM backends implement.
type Provider interface {
	Send(ctx context.Context, req Request) (*Response, error)
	DefaultModel() string
	Name() string
}

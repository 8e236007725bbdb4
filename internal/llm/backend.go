package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrOverloaded marks a transient "model is overloaded" answer. It is the only retryable failure.
var ErrOverloaded = errors.New("classifier overloaded")

// ErrEmptyResponse is returned when the provider answered without any usable text
var ErrEmptyResponse = errors.New("empty response from classifier")

// Backend is an external emotion classifier. It returns the provider's free-form text.
type Backend interface {
	ClassifyText(ctx context.Context, model, text string) (string, error)
	ClassifyImage(ctx context.Context, model string, image []byte, mimeType string) (string, error)
	Name() string
	Endpoint() string
	Close() error
}

// Target is where a single call goes
type Target struct {
	Provider string
	Endpoint string
	Model    string
}

// Router is implemented by backends that choose a provider per call
type Router interface {
	// Route picks the backend for one call along with the model it should be asked for
	Route(model string, image bool) (Backend, Target)
}

// Route resolves the backend and target of one call to b
func Route(b Backend, model string, image bool) (Backend, Target) {
	if r, ok := b.(Router); ok {
		return r.Route(model, image)
	}
	return b, Target{Provider: b.Name(), Endpoint: b.Endpoint(), Model: model}
}

// IsOverloaded reports whether err is a transient overload signal
func IsOverloaded(err error) bool {
	return errors.Is(err, ErrOverloaded)
}

// MentionsOverload catches providers that only signal overload in the message text
func MentionsOverload(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "overloaded")
}

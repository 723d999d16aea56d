// Package llm wraps calls to the language model behind one long-lived circuit
// breaker and a retry policy.
package llm

import (
	"context"
	"errors"
	"github.com/RezaEskandarii/bookingworker/pkg/circuitbreaker"
	"github.com/RezaEskandarii/bookingworker/pkg/retry"
	"strings"
)

var ErrEmptyCompletion = errors.New("llm returned an empty completion")

type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// PassthroughCompleter returns the prompt itself. It stands in for a model
// when no endpoint is configured; prompts built by the handlers read as
// finished messages.
type PassthroughCompleter struct{}

func (PassthroughCompleter) Complete(_ context.Context, prompt string) (string, error) {
	return prompt, nil
}

// ResilientClient gates every attempt through the breaker and retries the
// whole gated call. Once the breaker opens, the remaining attempts of a call
// fail fast with circuitbreaker.ErrCircuitOpen and are retried like any other
// transient error.
type ResilientClient struct {
	completer Completer
	breaker   *circuitbreaker.CircuitBreaker
	retry     retry.Options
}

func NewResilientClient(completer Completer, breaker *circuitbreaker.CircuitBreaker, retryOpts retry.Options) *ResilientClient {
	return &ResilientClient{
		completer: completer,
		breaker:   breaker,
		retry:     retryOpts,
	}
}

func (c *ResilientClient) Complete(ctx context.Context, prompt string) (string, error) {
	return retry.DoValue(ctx, func(ctx context.Context) (string, error) {
		return circuitbreaker.ExecuteValue(ctx, c.breaker, func(ctx context.Context) (string, error) {
			text, err := c.completer.Complete(ctx, prompt)
			if err != nil {
				return "", err
			}
			if strings.TrimSpace(text) == "" {
				return "", ErrEmptyCompletion
			}
			return text, nil
		})
	}, c.retry)
}

func (c *ResilientClient) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// Package aiexec adapts a text-completion request against the Gemini
// API to the scheduler's executor contract. Rate-limit and server
// errors are marked transient so a per-submission retry policy can
// redispatch them; malformed requests and empty responses are permanent.
package aiexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/phrazzld/dispatch/internal/task"
)

// Completion errors.
var (
	// ErrEmptyPrompt is returned when a request carries no prompt text.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")

	// ErrInvalidResponse is returned when the model response carries no
	// usable content.
	ErrInvalidResponse = errors.New("invalid response from language model")
)

// contentGenerator is the slice of the genai client this package uses,
// kept narrow so tests can substitute a fake.
type contentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Executor issues one completion request per Start call.
type Executor struct {
	models contentGenerator
	model  string
	prompt string
	logger *slog.Logger
}

// New creates an executor for a single completion request.
func New(client *genai.Client, model, prompt string, logger *slog.Logger) *Executor {
	return newWithGenerator(client.Models, model, prompt, logger)
}

func newWithGenerator(models contentGenerator, model, prompt string, logger *slog.Logger) *Executor {
	return &Executor{
		models: models,
		model:  model,
		prompt: prompt,
		logger: logger.With("component", "aiexec", "model", model),
	}
}

// Start issues the completion request in the background. The response
// text is streamed as a single output chunk and returned as the task
// result.
func (e *Executor) Start(ctx context.Context, cb task.Callbacks) (task.Handle, error) {
	if e.prompt == "" {
		return nil, ErrEmptyPrompt
	}

	reqCtx, cancel := context.WithCancel(ctx)
	p := task.NewPromise(cancel)

	go func() {
		resp, err := e.models.GenerateContent(reqCtx, e.model, genai.Text(e.prompt), nil)
		if err != nil {
			if reqCtx.Err() != nil {
				p.Settle(nil, reqCtx.Err())
				return
			}
			p.Settle(nil, classify(err))
			return
		}

		text := resp.Text()
		if text == "" {
			e.logger.Warn("model returned no text content")
			p.Settle(nil, fmt.Errorf("%w: no content generated", ErrInvalidResponse))
			return
		}

		cb.Output(text)
		p.Settle(text, nil)
	}()

	return p, nil
}

// classify maps an API error to the retry taxonomy: rate limiting and
// server-side failures are transient, everything the caller can only fix
// by changing the request is permanent. Transport-level errors are
// assumed transient.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code >= 500 {
			return task.Transient(fmt.Errorf("completion request failed: %w", err))
		}
		return fmt.Errorf("completion request failed: %w", err)
	}
	return task.Transient(fmt.Errorf("completion request failed: %w", err))
}

package aiexec

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/phrazzld/dispatch/internal/task"
)

type fakeGenerator struct {
	resp      *genai.GenerateContentResponse
	err       error
	gotModel  string
	gotPrompt string
	block     bool
}

func (f *fakeGenerator) GenerateContent(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	_ *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	f.gotModel = model
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.gotPrompt = contents[0].Parts[0].Text
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.resp, f.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []*genai.Part{{Text: text}}}},
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func awaitOutcome(t *testing.T, h task.Handle) task.Outcome {
	t.Helper()
	select {
	case out := <-h.Done():
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not settle in time")
		return task.Outcome{}
	}
}

func TestStartReturnsResponseText(t *testing.T) {
	gen := &fakeGenerator{resp: textResponse("a haiku about queues")}
	exec := newWithGenerator(gen, "gemini-2.0-flash", "write a haiku", testLogger())

	var chunks []string
	h, err := exec.Start(context.Background(), task.Callbacks{
		OnOutput: func(chunk string) { chunks = append(chunks, chunk) },
	})
	require.NoError(t, err)

	out := awaitOutcome(t, h)
	require.NoError(t, out.Err)
	assert.Equal(t, "a haiku about queues", out.Result)
	assert.Equal(t, []string{"a haiku about queues"}, chunks)
	assert.Equal(t, "gemini-2.0-flash", gen.gotModel)
	assert.Equal(t, "write a haiku", gen.gotPrompt)
}

func TestEmptyPromptFailsOnStart(t *testing.T) {
	exec := newWithGenerator(&fakeGenerator{}, "gemini-2.0-flash", "", testLogger())

	_, err := exec.Start(context.Background(), task.Callbacks{})
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestRateLimitErrorIsTransient(t *testing.T) {
	gen := &fakeGenerator{err: genai.APIError{Code: 429, Message: "quota exhausted"}}
	exec := newWithGenerator(gen, "gemini-2.0-flash", "hi", testLogger())

	h, err := exec.Start(context.Background(), task.Callbacks{})
	require.NoError(t, err)

	out := awaitOutcome(t, h)
	require.Error(t, out.Err)
	assert.True(t, task.IsTransient(out.Err))
}

func TestServerErrorIsTransient(t *testing.T) {
	gen := &fakeGenerator{err: genai.APIError{Code: 503, Message: "overloaded"}}
	exec := newWithGenerator(gen, "gemini-2.0-flash", "hi", testLogger())

	h, err := exec.Start(context.Background(), task.Callbacks{})
	require.NoError(t, err)

	out := awaitOutcome(t, h)
	require.Error(t, out.Err)
	assert.True(t, task.IsTransient(out.Err))
}

func TestClientErrorIsPermanent(t *testing.T) {
	gen := &fakeGenerator{err: genai.APIError{Code: 400, Message: "invalid argument"}}
	exec := newWithGenerator(gen, "gemini-2.0-flash", "hi", testLogger())

	h, err := exec.Start(context.Background(), task.Callbacks{})
	require.NoError(t, err)

	out := awaitOutcome(t, h)
	require.Error(t, out.Err)
	assert.False(t, task.IsTransient(out.Err))

	var apiErr genai.APIError
	assert.True(t, errors.As(out.Err, &apiErr))
	assert.Equal(t, 400, apiErr.Code)
}

func TestTransportErrorIsTransient(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("connection reset")}
	exec := newWithGenerator(gen, "gemini-2.0-flash", "hi", testLogger())

	h, err := exec.Start(context.Background(), task.Callbacks{})
	require.NoError(t, err)

	out := awaitOutcome(t, h)
	require.Error(t, out.Err)
	assert.True(t, task.IsTransient(out.Err))
}

func TestEmptyResponseIsPermanent(t *testing.T) {
	gen := &fakeGenerator{resp: &genai.GenerateContentResponse{}}
	exec := newWithGenerator(gen, "gemini-2.0-flash", "hi", testLogger())

	h, err := exec.Start(context.Background(), task.Callbacks{})
	require.NoError(t, err)

	out := awaitOutcome(t, h)
	require.ErrorIs(t, out.Err, ErrInvalidResponse)
	assert.False(t, task.IsTransient(out.Err))
}

func TestCancelAbortsRequest(t *testing.T) {
	gen := &fakeGenerator{block: true}
	exec := newWithGenerator(gen, "gemini-2.0-flash", "hi", testLogger())

	h, err := exec.Start(context.Background(), task.Callbacks{})
	require.NoError(t, err)

	h.Cancel()
	out := awaitOutcome(t, h)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

package summary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/ytnobody/rolerelay/internal/logger"
)

func init() { logger.Discard() }

func TestPlain(t *testing.T) {
	out, err := Plain{}.Summarize(context.Background(), Input{
		Role:         "architect",
		Phase:        "design",
		CurrentTask:  "review",
		Progress:     100,
		Deliverables: []string{"arch.md"},
		Knowledge:    []string{"use  postgres\nfor orders"},
		Context:      map[string]any{"b": 2, "a": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, "## architect (design)\nLast task: review (100%)\n\nDeliverables:\n- arch.md\n\nKnowledge:\n- use postgres for orders\n\nContext:\n- a: x\n- b: 2", out)
}

type failing struct{ err error }

func (f failing) Summarize(context.Context, Input) (string, error) { return "", f.err }

func TestFallback(t *testing.T) {
	s := Fallback{Primary: failing{errors.New("down")}, Secondary: Plain{}}
	out, err := s.Summarize(context.Background(), Input{Role: "qa", Phase: "test"})
	require.NoError(t, err)
	assert.Equal(t, "## qa (test)", out)

	s = Fallback{Primary: failing{errors.New("down")}, Secondary: failing{errors.New("also down")}}
	_, err = s.Summarize(context.Background(), Input{})
	assert.ErrorContains(t, err, "down")
}

type fakeGenerator struct {
	errs  []error
	calls int
	text  string
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.calls++
	if f.calls <= len(f.errs) {
		return nil, f.errs[f.calls-1]
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{
		{Content: &genai.Content{Parts: []*genai.Part{{Text: " " + f.text + " "}}}},
	}}, nil
}

func TestGeminiRetriesRateLimit(t *testing.T) {
	gen := &fakeGenerator{errs: []error{errors.New("Error 429: RESOURCE_EXHAUSTED")}, text: "- summary"}
	g := NewGeminiWith(gen, "gemini-2.5-flash", nil)
	g.backoff = time.Millisecond

	out, err := g.Summarize(context.Background(), Input{Role: "architect"})
	require.NoError(t, err)
	assert.Equal(t, "- summary", out)
	assert.Equal(t, 2, gen.calls)
}

func TestGeminiOtherErrorsFailFast(t *testing.T) {
	gen := &fakeGenerator{errs: []error{errors.New("invalid argument")}}
	g := NewGeminiWith(gen, "m", nil)
	_, err := g.Summarize(context.Background(), Input{})
	assert.ErrorContains(t, err, "invalid argument")
	assert.Equal(t, 1, gen.calls)
}

func TestThrottle(t *testing.T) {
	var nilThrottle *Throttle
	require.NoError(t, nilThrottle.Wait(context.Background()))
	assert.Nil(t, NewThrottle(0))

	th := NewThrottle(2)
	th.window = 150 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, th.Wait(ctx))
	require.NoError(t, th.Wait(ctx))

	start := time.Now()
	require.NoError(t, th.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	th.requests = append(th.requests, time.Now(), time.Now())
	assert.ErrorIs(t, th.Wait(cancelled), context.Canceled)
}

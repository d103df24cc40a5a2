package summary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/ytnobody/rolerelay/internal/logger"
)

const systemPrompt = `You write handoff notes between roles of a software project.
Summarize what the previous role learned and produced in at most ten bullet
points. Keep file paths verbatim. Do not invent facts.`

// Generator is the part of the genai client the summarizer uses.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini summarizes through the Gemini API.
type Gemini struct {
	models   Generator
	model    string
	throttle *Throttle
	retries  int
	backoff  time.Duration
	log      zerolog.Logger
}

// NewGemini creates a client from the API key. rpm limits request rate.
func NewGemini(ctx context.Context, apiKey, model string, rpm int) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini summary: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return NewGeminiWith(client.Models, model, NewThrottle(rpm)), nil
}

// NewGeminiWith wraps an existing generator.
func NewGeminiWith(models Generator, model string, throttle *Throttle) *Gemini {
	return &Gemini{
		models:   models,
		model:    model,
		throttle: throttle,
		retries:  5,
		backoff:  2 * time.Second,
		log:      logger.For("summary"),
	}
}

func (g *Gemini) Summarize(ctx context.Context, in Input) (string, error) {
	facts, err := Plain{}.Summarize(ctx, in)
	if err != nil {
		return "", err
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}},
	}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: facts}}}}

	backoff := g.backoff
	var lastErr error
	for i := 0; i < g.retries; i++ {
		if err := g.throttle.Wait(ctx); err != nil {
			return "", err
		}
		resp, err := g.models.GenerateContent(ctx, g.model, contents, cfg)
		if err == nil {
			return extractText(resp), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !IsRateLimitError(err) {
			return "", fmt.Errorf("gemini API error: %w", err)
		}
		g.log.Warn().Dur("backoff", backoff).Msg("rate limit hit")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return "", fmt.Errorf("gemini API failed after %d retries: %w", g.retries, lastErr)
}

// IsRateLimitError reports whether err looks like a quota or rate limit error.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "resourceexhausted") ||
		strings.Contains(msg, "quota exceeded")
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var parts []string
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

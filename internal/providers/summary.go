package providers

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"resty.dev/v3"
)

// SummaryConfig holds text-generation provider settings.
type SummaryConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Summary asks a Gemini-style text-generation API for a short summary of a
// transcript. Results are ephemeral response values, never persisted.
type Summary struct {
	client *resty.Client
	model  string
	logger *zap.Logger
}

// NewSummary creates a summary client.
func NewSummary(cfg SummaryConfig, logger *zap.Logger) *Summary {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetHeader("x-goog-api-key", cfg.APIKey)
	return &Summary{client: client, model: cfg.Model, logger: logger}
}

// Close releases the underlying HTTP client.
func (s *Summary) Close() { _ = s.client.Close() }

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// Summarize returns a concise natural-language summary of the transcript.
func (s *Summary) Summarize(ctx context.Context, transcript string) (string, error) {
	prompt := "Provide a concise summary (2-3 sentences) of this video transcript:\n\n" + transcript

	var out generateResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(generateRequest{Contents: []content{{Parts: []part{{Text: prompt}}}}}).
		SetResult(&out).
		Post(fmt.Sprintf("/v1beta/models/%s:generateContent", s.model))
	if err != nil {
		return "", fmt.Errorf("generate summary: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("generate summary: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("generate summary: empty response")
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}

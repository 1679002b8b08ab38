// Package providers holds clients for the external transcription and
// text-summary services. Both are consumed as "submit job, get text back"
// black boxes; their failures fail only the task at hand, never the record.
package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"
)

// ErrTranscriptionFailed is returned when the provider reports a failed job.
var ErrTranscriptionFailed = errors.New("transcription failed")

// TranscriptionConfig holds provider connection settings.
type TranscriptionConfig struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
}

// Transcription submits audio URLs to an AssemblyAI-style API and polls the
// job until it reaches a terminal state.
type Transcription struct {
	client *resty.Client
	poll   time.Duration
	logger *zap.Logger
}

// NewTranscription creates a transcription client.
func NewTranscription(cfg TranscriptionConfig, logger *zap.Logger) *Transcription {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetHeader("Authorization", cfg.APIKey)
	return &Transcription{client: client, poll: cfg.PollInterval, logger: logger}
}

// Close releases the underlying HTTP client.
func (t *Transcription) Close() { _ = t.client.Close() }

type transcriptJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Text   string `json:"text"`
	Error  string `json:"error"`
}

// Transcribe submits the audio at a (time-limited) URL and blocks until the
// provider finishes or ctx expires.
func (t *Transcription) Transcribe(ctx context.Context, audioURL string) (string, error) {
	var job transcriptJob
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"audio_url": audioURL, "speech_model": "best"}).
		SetResult(&job).
		Post("/v2/transcript")
	if err != nil {
		return "", fmt.Errorf("submit transcript: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("submit transcript: status %d: %s", resp.StatusCode(), resp.String())
	}
	if job.ID == "" {
		return "", fmt.Errorf("submit transcript: no job id in response")
	}
	t.logger.Debug("transcription submitted", zap.String("job_id", job.ID))

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(t.poll):
		}

		var polled transcriptJob
		resp, err := t.client.R().
			SetContext(ctx).
			SetResult(&polled).
			Get("/v2/transcript/" + job.ID)
		if err != nil {
			return "", fmt.Errorf("poll transcript %s: %w", job.ID, err)
		}
		if resp.IsError() {
			return "", fmt.Errorf("poll transcript %s: status %d", job.ID, resp.StatusCode())
		}

		switch polled.Status {
		case "completed":
			if polled.Text == "" {
				return "", fmt.Errorf("%w: no transcription text received", ErrTranscriptionFailed)
			}
			return polled.Text, nil
		case "error":
			if polled.Error != "" {
				return "", fmt.Errorf("%w: %s", ErrTranscriptionFailed, polled.Error)
			}
			return "", ErrTranscriptionFailed
		default:
			// queued / processing: keep polling
		}
	}
}

package transcribe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Compile-time assertion that OpenAIBackend implements Backend.
var _ Backend = (*OpenAIBackend)(nil)

// OpenAIBackend implements [Backend] against the OpenAI audio transcription
// API (or any API-compatible server reached via WithBaseURL).
type OpenAIBackend struct {
	client oai.Client
	model  string
}

// OpenAIOption is a functional option for [NewOpenAIBackend].
type OpenAIOption func(*openaiConfig)

type openaiConfig struct {
	baseURL string
}

// WithBaseURL overrides the default OpenAI API base URL, e.g. to point at a
// self-hosted whisper server exposing the same API surface.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openaiConfig) {
		c.baseURL = url
	}
}

// NewOpenAIBackend constructs a backend that transcribes with the given model
// (e.g. "whisper-1").
func NewOpenAIBackend(apiKey, model string, opts ...OpenAIOption) (*OpenAIBackend, error) {
	if apiKey == "" {
		return nil, errors.New("transcribe: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("transcribe: model must not be empty")
	}

	cfg := &openaiConfig{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &OpenAIBackend{
		client: oai.NewClient(reqOpts...),
		model:  model,
	}, nil
}

// Transcribe implements [Backend].
func (b *OpenAIBackend) Transcribe(ctx context.Context, req Request) (string, error) {
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(req.Audio, req.Filename, "application/octet-stream"),
		Model: oai.AudioModel(b.model),
	}
	if req.Language != "" {
		params.Language = oai.String(req.Language)
	}

	resp, err := b.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", classifyOpenAI(err)
	}
	return resp.Text, nil
}

// classifyOpenAI maps an OpenAI SDK error to a classified [*Error].
func classifyOpenAI(err error) error {
	var apiErr *oai.Error
	if !errors.As(err, &apiErr) {
		// No HTTP status available: connection refused, DNS failure,
		// timeout. All of these are worth another attempt.
		return &Error{Kind: KindUnavailable, Err: err}
	}

	switch {
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		return &Error{Kind: KindAuth, Err: err}
	case apiErr.StatusCode == http.StatusRequestEntityTooLarge:
		return &Error{Kind: KindTooLarge, Err: err}
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Err: err}
	case apiErr.StatusCode >= 500:
		return &Error{Kind: KindUnavailable, Err: err}
	default:
		return &Error{Kind: KindFatal, Err: fmt.Errorf("HTTP %d: %w", apiErr.StatusCode, err)}
	}
}

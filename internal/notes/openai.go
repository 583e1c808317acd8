package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// defaultPromptTemplate is used when the configuration supplies none. The
// {{language}} placeholder is replaced before the request is sent.
const defaultPromptTemplate = "Summarise the following dictated transcript into concise, well-structured notes. Transcript language: {{language}}."

// Compile-time assertion that OpenAIGenerator implements Generator.
var _ Generator = (*OpenAIGenerator)(nil)

// OpenAIGenerator implements [Generator] using an OpenAI chat model.
type OpenAIGenerator struct {
	client oai.Client
	model  string
	prompt string
}

// OpenAIOption is a functional option for [NewOpenAIGenerator].
type OpenAIOption func(*openaiConfig)

type openaiConfig struct {
	baseURL string
	prompt  string
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openaiConfig) {
		c.baseURL = url
	}
}

// WithPromptTemplate overrides the system prompt template. The template may
// contain a {{language}} placeholder.
func WithPromptTemplate(tmpl string) OpenAIOption {
	return func(c *openaiConfig) {
		c.prompt = tmpl
	}
}

// NewOpenAIGenerator constructs a generator using the given chat model.
func NewOpenAIGenerator(apiKey, model string, opts ...OpenAIOption) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("notes: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("notes: model must not be empty")
	}

	cfg := &openaiConfig{prompt: defaultPromptTemplate}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.prompt == "" {
		cfg.prompt = defaultPromptTemplate
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &OpenAIGenerator{
		client: oai.NewClient(reqOpts...),
		model:  model,
		prompt: cfg.prompt,
	}, nil
}

// Generate implements [Generator].
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (string, error) {
	lang := req.Language
	if lang == "" {
		lang = "unspecified"
	}
	system := strings.ReplaceAll(g.prompt, "{{language}}", lang)

	resp, err := g.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(g.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(system),
			oai.UserMessage(req.Transcript),
		},
	})
	if err != nil {
		return "", fmt.Errorf("notes: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("notes: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

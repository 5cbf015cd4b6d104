package summarize

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIOptions configures the OpenAI backend. BaseURL allows any
// Chat Completions compatible endpoint.
type OpenAIOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
	APIKey      string
	BaseURL     string
}

// OpenAI summarizes with the Chat Completions API.
type OpenAI struct {
	client *openai.Client
	opts   OpenAIOptions
}

// NewOpenAI creates an OpenAI backend.
func NewOpenAI(opts OpenAIOptions) *OpenAI {
	if opts.Model == "" {
		opts.Model = openai.ChatModelGPT4oMini
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2000
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)

	return &OpenAI{client: &client, opts: opts}
}

func (o *OpenAI) Name() string { return "openai:" + o.opts.Model }

func (o *OpenAI) Summarize(ctx context.Context, req Request) (*Result, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(SystemPrompt),
			openai.UserMessage(BuildPrompt(req)),
		},
		Model:               o.opts.Model,
		Temperature:         openai.Float(o.opts.Temperature),
		MaxCompletionTokens: openai.Int(int64(o.opts.MaxTokens)),
	})
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("openai: empty response")
	}
	return Parse(resp.Choices[0].Message.Content, len(req.Turns))
}

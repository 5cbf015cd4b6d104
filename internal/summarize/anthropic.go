package summarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-haiku-4-5"

// AnthropicOptions configures the Anthropic backend. APIKey and BaseURL
// default to the SDK's environment handling.
type AnthropicOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
	APIKey      string
	BaseURL     string
}

// Anthropic summarizes with the Messages API.
type Anthropic struct {
	client *anthropic.Client
	opts   AnthropicOptions
}

// NewAnthropic creates an Anthropic backend.
func NewAnthropic(opts AnthropicOptions) *Anthropic {
	if opts.Model == "" {
		opts.Model = DefaultAnthropicModel
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
	client := anthropic.NewClient(clientOpts...)

	return &Anthropic{client: &client, opts: opts}
}

func (a *Anthropic) Name() string { return "anthropic:" + a.opts.Model }

func (a *Anthropic) Summarize(ctx context.Context, req Request) (*Result, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.opts.Model),
		MaxTokens: int64(a.opts.MaxTokens),
		System: []anthropic.TextBlockParam{
			{Text: SystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildPrompt(req))),
		},
		Temperature: anthropic.Float(a.opts.Temperature),
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("anthropic: empty response")
	}
	return Parse(text.String(), len(req.Turns))
}

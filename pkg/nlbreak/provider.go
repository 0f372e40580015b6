package nlbreak

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/kdbg/kdb/pkg/config"
)

const maxAnswerTokens = 150

// ErrNoAPIKey is returned by NewProvider when no API key is configured.
var ErrNoAPIKey = errors.New("no API key configured for the language model")

// Provider sends a single prompt to a language model.
type Provider interface {
	Name() string
	Complete(ctx context.Context, system, user string) (string, error)
}

// NewProvider returns the provider configured by cfg.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	switch cfg.Provider {
	case "", "openai":
		return newOpenAIProvider(cfg), nil
	case "anthropic":
		return newAnthropicProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown language model provider %q", cfg.Provider)
	}
}

type openAIProvider struct {
	client openai.Client
	model  string
}

func newOpenAIProvider(cfg config.LLMConfig) *openAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(withTrailingSlash(cfg.APIBase)))
	}
	return &openAIProvider{client: openai.NewClient(opts...), model: cfg.Model}
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0),
		MaxTokens:   openai.Int(maxAnswerTokens),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty answer")
	}
	return resp.Choices[0].Message.Content, nil
}

type anthropicProvider struct {
	client anthropic.Client
	model  string
}

func newAnthropicProvider(cfg config.LLMConfig) *anthropicProvider {
	opts := []anthropicoption.RequestOption{anthropicoption.WithAPIKey(cfg.APIKey)}
	if cfg.APIBase != "" {
		opts = append(opts, anthropicoption.WithBaseURL(withTrailingSlash(cfg.APIBase)))
	}
	return &anthropicProvider{client: anthropic.NewClient(opts...), model: cfg.Model}
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxAnswerTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("empty answer")
	}
	return b.String(), nil
}

func withTrailingSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

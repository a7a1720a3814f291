package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultMaxTokens   = 8192
	defaultTemperature = 0.3
)

// AnthropicTransport streams answers from the Anthropic Messages API.
type AnthropicTransport struct {
	api         *anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	temperature float64
}

// NewAnthropicTransport creates a transport for model. An empty apiKey falls
// back to the SDK's environment lookup.
func NewAnthropicTransport(apiKey, model string, maxTokens int64) *AnthropicTransport {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicTransport{
		api:         &client,
		model:       anthropic.Model(model),
		maxTokens:   maxTokens,
		temperature: defaultTemperature,
	}
}

// Stream sends req and accumulates the text deltas of the response.
func (t *AnthropicTransport) Stream(ctx context.Context, req Request, onFragment func(string)) (string, error) {
	stream := t.api.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:       t.model,
		MaxTokens:   t.maxTokens,
		Temperature: anthropic.Float(t.temperature),
		System: []anthropic.TextBlockParam{
			{Text: req.System},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		event := stream.Current()
		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
			sb.WriteString(text.Text)
			if onFragment != nil {
				onFragment(text.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("anthropic stream: %w", err)
	}
	if sb.Len() == 0 {
		return "", errors.New("no text content in API response")
	}
	return sb.String(), nil
}

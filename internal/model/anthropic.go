package model

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 8192

// AnthropicCaller implements Caller against the Anthropic native API.
type AnthropicCaller struct {
	client anthropic.Client
}

// NewAnthropicCaller creates a caller with the given API key.
func NewAnthropicCaller(apiKey string) *AnthropicCaller {
	return &AnthropicCaller{
		client: anthropic.NewClient(anthropicoption.WithAPIKey(apiKey)),
	}
}

func (c *AnthropicCaller) params(modelID, system, prompt string) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: anthropicMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

// Complete runs a blocking completion and concatenates the text blocks.
func (c *AnthropicCaller) Complete(ctx context.Context, modelID, system, prompt string) (string, error) {
	msg, err := c.client.Messages.New(ctx, c.params(modelID, system, prompt))
	if err != nil {
		return "", Classify(modelID, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// Stream constructs a lazy text-chunk sequence over the Anthropic SSE
// stream. The SDK defers the HTTP call, so the first stream.Next() is
// probed here; construction failures must surface before the sequence
// is handed to the caller, or stream retry cannot see them.
func (c *AnthropicCaller) Stream(ctx context.Context, modelID, system, prompt string) (iter.Seq2[string, error], error) {
	stream := c.client.Messages.NewStreaming(ctx, c.params(modelID, system, prompt))

	hasFirst := stream.Next()
	if !hasFirst {
		if err := stream.Err(); err != nil {
			return nil, Classify(modelID, err)
		}
	}

	seq := func(yield func(string, error) bool) {
		defer stream.Close()
		next := hasFirst
		for next {
			event := stream.Current()
			if variant, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if d, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok {
					if !yield(d.Text, nil) {
						return
					}
				}
			}
			next = stream.Next()
		}
		if err := stream.Err(); err != nil {
			yield("", Classify(modelID, fmt.Errorf("anthropic stream: %w", err)))
		}
	}
	return seq, nil
}

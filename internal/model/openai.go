package model

import (
	"context"
	"fmt"
	"iter"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAICaller implements Caller against any OpenAI-compatible API.
// Used here as the lightweight stream-fallback tier.
type OpenAICaller struct {
	client openai.Client
}

// NewOpenAICaller creates a caller with the given API key and optional
// base URL override.
func NewOpenAICaller(apiKey, baseURL string) *OpenAICaller {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAICaller{client: openai.NewClient(opts...)}
}

func (c *OpenAICaller) params(modelID, system, prompt string) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	msgs = append(msgs, openai.UserMessage(prompt))
	return openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: msgs,
	}
}

// Complete runs a blocking chat completion.
func (c *OpenAICaller) Complete(ctx context.Context, modelID, system, prompt string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.params(modelID, system, prompt))
	if err != nil {
		return "", Classify(modelID, err)
	}
	if len(resp.Choices) == 0 {
		return "", Classify(modelID, fmt.Errorf("empty completion response"))
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream constructs a lazy text-chunk sequence over the chat
// completions SSE stream, probing the first chunk so construction
// failures surface before the sequence is consumed.
func (c *OpenAICaller) Stream(ctx context.Context, modelID, system, prompt string) (iter.Seq2[string, error], error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(modelID, system, prompt))

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
			chunk := stream.Current()
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if !yield(chunk.Choices[0].Delta.Content, nil) {
					return
				}
			}
			next = stream.Next()
		}
		if err := stream.Err(); err != nil {
			yield("", Classify(modelID, fmt.Errorf("openai stream: %w", err)))
		}
	}
	return seq, nil
}

package gateway_test

import (
	"context"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The official SDKs are the clients the gateway has to satisfy, so a few
// round trips go through them unmodified.

func newOpenAIClient(s *stack) openai.Client {
	return openai.NewClient(
		option.WithBaseURL(s.srv.URL+"/v1"),
		option.WithAPIKey("test-key"),
		option.WithMaxRetries(0),
	)
}

func TestOpenAISDK_ChatCompletion(t *testing.T) {
	s := newStack(t, "")
	client := newOpenAIClient(s)

	out, err := client.Chat.Completions.New(context.Background(), openai.ChatCompletionNewParams{
		Model: shared.ChatModel("test-model"),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("Say hi"),
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.Choices)
	assert.Equal(t, "hi!", out.Choices[0].Message.Content)
	assert.Equal(t, "test-model", out.Model)
}

func TestOpenAISDK_Streaming(t *testing.T) {
	s := newStack(t, "")
	client := newOpenAIClient(s)

	stream := client.Chat.Completions.NewStreaming(context.Background(), openai.ChatCompletionNewParams{
		Model: shared.ChatModel("test-model"),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("Say hi"),
		},
	})
	var text strings.Builder
	var finish string
	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			text.WriteString(choice.Delta.Content)
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, "hi!", text.String())
	assert.Equal(t, "stop", finish)
}

func TestOpenAISDK_UnknownModel(t *testing.T) {
	s := newStack(t, "")
	client := newOpenAIClient(s)

	_, err := client.Chat.Completions.New(context.Background(), openai.ChatCompletionNewParams{
		Model: shared.ChatModel("missing-model"),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("Say hi"),
		},
	})
	var apiErr *openai.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
}

func newAnthropicClient(s *stack) anthropic.Client {
	return anthropic.NewClient(
		anthropicopt.WithBaseURL(s.srv.URL+"/"),
		anthropicopt.WithAPIKey("test-key"),
		anthropicopt.WithMaxRetries(0),
	)
}

func TestAnthropicSDK_Message(t *testing.T) {
	s := newStack(t, "")
	client := newAnthropicClient(s)

	msg, err := client.Messages.New(context.Background(), anthropic.MessageNewParams{
		Model:     anthropic.Model("test-model"),
		MaxTokens: 64,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("Say hi")),
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, msg.Content)
	assert.Equal(t, "hi!", msg.Content[0].Text)
	assert.Equal(t, anthropic.StopReasonEndTurn, msg.StopReason)
}

func TestAnthropicSDK_Streaming(t *testing.T) {
	s := newStack(t, "")
	client := newAnthropicClient(s)

	stream := client.Messages.NewStreaming(context.Background(), anthropic.MessageNewParams{
		Model:     anthropic.Model("test-model"),
		MaxTokens: 64,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("Say hi")),
		},
	})
	var text strings.Builder
	var sawStop bool
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
				text.WriteString(delta.Text)
			}
		case anthropic.MessageStopEvent:
			sawStop = true
		}
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, "hi!", text.String())
	assert.True(t, sawStop)
}

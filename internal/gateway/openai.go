package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const systemPromptTemplate = `Você é o agente %q de uma sala virtual de orientação posológica.
As mensagens dos participantes chegam no formato "[Nome]: texto". Responda em português, de forma clara e objetiva.`

// OpenAI answers invocations with a chat completion. It stands in for the
// agent backend in development; the agent id only shapes the system prompt.
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAI(apiKey, model string, timeout time.Duration) *OpenAI {
	return NewOpenAIWithConfig(openai.DefaultConfig(apiKey), model, timeout)
}

func NewOpenAIWithConfig(cfg openai.ClientConfig, model string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model, timeout: timeout}
}

func (o *OpenAI) Invoke(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: fmt.Sprintf(systemPromptTemplate, req.AgentID),
	})
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Input,
	})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return Response{}, ErrTimeout
		}
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return Response{}, &StatusError{Code: apiErr.HTTPStatusCode, Body: apiErr.Message}
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			return Response{}, &StatusError{Code: reqErr.HTTPStatusCode}
		}
		return Response{}, fmt.Errorf("openai chat completion: %w", err)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Response{}, ErrEmptyOutput
	}
	return Response{Output: resp.Choices[0].Message.Content}, nil
}

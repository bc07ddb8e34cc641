package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/chat-stream-ui/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI streams completions from OpenAI, or from any OpenAI compatible API when a base URL is set.
type OpenAI struct {
	apiKey      string
	titlePrompt string
	titleModel  string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// OpenAIConfig configures an OpenAI source.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint, e.g. for a local OpenAI compatible server.
	BaseURL string
	// TitlePrompt is the system prompt of GenerateTitle.
	TitlePrompt string
	// TitleModel is the model used by GenerateTitle.
	TitleModel string
	Params     LLMParameters
}

// NewOpenAI creates a new OpenAI instance from cfg.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) OpenAI {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return OpenAI{
		apiKey:      cfg.APIKey,
		titlePrompt: cfg.TitlePrompt,
		titleModel:  cfg.TitleModel,
		params:      cfg.Params,
		client:      goopenai.NewClientWithConfig(clientCfg),
		logger:      logger.With(slog.String("module", "openai")),
	}
}

// CheckCredentials reports a missing API key.
func (o OpenAI) CheckCredentials() error {
	if strings.TrimSpace(o.apiKey) == "" {
		return errors.New("openai api key is not configured")
	}
	return nil
}

func openAIMessages(turns []models.Turn) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, len(turns))
	for i, t := range turns {
		msgs[i] = goopenai.ChatCompletionMessage{
			Role:    string(t.Role),
			Content: t.Content,
		}
	}
	return msgs
}

// Chat is a wrapper around the OpenAI streaming chat completion API. The final chunk carries the
// token usage of the request.
func (o OpenAI) Chat(ctx context.Context, modelID string, turns []models.Turn) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		req := o.chatRequest(modelID, openAIMessages(turns), true)
		req.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}

		reqJSON, err := json.Marshal(req)
		if err == nil {
			o.logger.Debug("Request", slog.String("req", string(reqJSON)))
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", openAIError(err)))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
					return
				}
				yield(models.Chunk{}, fmt.Errorf("error receiving response: %w", openAIError(err)))
				return
			}

			chunk := models.Chunk{Model: response.Model}
			if response.Usage != nil {
				chunk.Usage = &models.Usage{
					PromptTokens:     response.Usage.PromptTokens,
					CompletionTokens: response.Usage.CompletionTokens,
					TotalTokens:      response.Usage.TotalTokens,
				}
			}
			if len(response.Choices) > 0 {
				chunk.Text = response.Choices[0].Delta.Content
			}

			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// GenerateTitle asks the title model for a short title of message.
func (o OpenAI) GenerateTitle(ctx context.Context, message string) (string, error) {
	msgs := []goopenai.ChatCompletionMessage{
		{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: o.titlePrompt,
		},
		{
			Role:    goopenai.ChatMessageRoleUser,
			Content: message,
		},
	}

	req := o.chatRequest(o.titleModel, msgs, false)

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", openAIError(err))
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return resp.Choices[0].Message.Content, nil
}

// ListModels returns the models the API key can use.
func (o OpenAI) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	list, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing models: %w", openAIError(err))
	}

	res := make([]models.ModelInfo, len(list.Models))
	for i, m := range list.Models {
		res[i] = models.ModelInfo{ID: m.ID, OwnedBy: m.OwnedBy, Provider: "openai"}
	}
	return res, nil
}

func (o OpenAI) chatRequest(
	model string,
	messages []goopenai.ChatCompletionMessage,
	stream bool,
) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.PresencePenalty != nil {
		req.PresencePenalty = *o.params.PresencePenalty
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}
	if o.params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *o.params.FrequencyPenalty
	}
	if o.params.MaxTokens != nil {
		req.MaxTokens = *o.params.MaxTokens
	}
	if o.params.LogitBias != nil {
		req.LogitBias = o.params.LogitBias
	}

	return req
}

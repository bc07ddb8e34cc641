package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/chat-stream-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter streams completions from the OpenRouter API.
type OpenRouter struct {
	apiKey      string
	endpoint    string
	titlePrompt string
	titleModel  string

	params LLMParameters

	client *http.Client

	logger *slog.Logger
}

// OpenRouterConfig configures an OpenRouter source.
type OpenRouterConfig struct {
	APIKey string
	// Endpoint defaults to the public OpenRouter API.
	Endpoint    string
	TitlePrompt string
	TitleModel  string
	Params      LLMParameters
}

type openRouterChatRequest struct {
	Model            string              `json:"model"`
	Messages         []openRouterMessage `json:"messages"`
	Stream           bool                `json:"stream"`
	Temperature      *float32            `json:"temperature,omitempty"`
	TopP             *float32            `json:"top_p,omitempty"`
	Stop             []string            `json:"stop,omitempty"`
	PresencePenalty  *float32            `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float32            `json:"frequency_penalty,omitempty"`
	Seed             *int                `json:"seed,omitempty"`
	MaxTokens        *int                `json:"max_tokens,omitempty"`
	LogitBias        map[string]int      `json:"logit_bias,omitempty"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type openRouterStreamingResponse struct {
	Model   string                      `json:"model"`
	Choices []openRouterStreamingChoice `json:"choices"`
	Usage   *openRouterUsage            `json:"usage"`
	Error   *openRouterError            `json:"error"`
}

type openRouterStreamingChoice struct {
	Delta openRouterMessage `json:"delta"`
}

type openRouterUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openRouterError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type openRouterResponse struct {
	Choices []openRouterChoice `json:"choices"`
}

type openRouterChoice struct {
	Message openRouterMessage `json:"message"`
}

type openRouterModelsResponse struct {
	Data []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"data"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
)

// NewOpenRouter creates a new OpenRouter instance from cfg.
func NewOpenRouter(cfg OpenRouterConfig, logger *slog.Logger) OpenRouter {
	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = openRouterAPIEndpoint
	}

	return OpenRouter{
		apiKey:      cfg.APIKey,
		endpoint:    endpoint,
		titlePrompt: cfg.TitlePrompt,
		titleModel:  cfg.TitleModel,
		params:      cfg.Params,
		client:      &http.Client{},
		logger:      logger.With(slog.String("module", "openrouter")),
	}
}

// CheckCredentials reports a missing API key.
func (o OpenRouter) CheckCredentials() error {
	if strings.TrimSpace(o.apiKey) == "" {
		return errors.New("openrouter api key is not configured")
	}
	return nil
}

// Chat streams responses from the OpenRouter API. Errors reported inside the stream are yielded with
// the status code OpenRouter attaches to them.
func (o OpenRouter) Chat(ctx context.Context, modelID string, turns []models.Turn) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		msgs := make([]openRouterMessage, len(turns))
		for i, t := range turns {
			msgs[i] = openRouterMessage{Role: string(t.Role), Content: t.Content}
		}

		resp, err := o.doRequest(ctx, modelID, msgs, true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(models.Chunk{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			o.logger.Debug("Received event", slog.String("event", ev.Data))

			if ev.Data == "[DONE]" {
				return
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield(models.Chunk{}, fmt.Errorf("error unmarshaling response: %w", err))
				return
			}

			if res.Error != nil {
				yield(models.Chunk{}, fmt.Errorf("error in stream: %w",
					&HTTPError{StatusCode: res.Error.Code, Body: res.Error.Message}))
				return
			}

			chunk := models.Chunk{Model: res.Model}
			if res.Usage != nil {
				chunk.Usage = &models.Usage{
					PromptTokens:     res.Usage.PromptTokens,
					CompletionTokens: res.Usage.CompletionTokens,
					TotalTokens:      res.Usage.TotalTokens,
				}
			}
			if len(res.Choices) > 0 {
				chunk.Text = res.Choices[0].Delta.Content
			}

			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// GenerateTitle generates a title for a given message using the title model.
func (o OpenRouter) GenerateTitle(ctx context.Context, message string) (string, error) {
	msgs := []openRouterMessage{
		{Role: "system", Content: o.titlePrompt},
		{Role: "user", Content: message},
	}

	resp, err := o.doRequest(ctx, o.titleModel, msgs, false)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res openRouterResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	if len(res.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return res.Choices[0].Message.Content, nil
}

// ListModels returns the models offered by OpenRouter.
func (o OpenRouter) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	o.setHeaders(req)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var res openRouterModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	list := make([]models.ModelInfo, len(res.Data))
	for i, m := range res.Data {
		owner, _, _ := strings.Cut(m.ID, "/")
		list[i] = models.ModelInfo{ID: m.ID, OwnedBy: owner, Provider: "openrouter"}
	}
	return list, nil
}

func (o OpenRouter) doRequest(
	ctx context.Context,
	model string,
	msgs []openRouterMessage,
	stream bool,
) (*http.Response, error) {
	reqBody := openRouterChatRequest{
		Model:            model,
		Messages:         msgs,
		Stream:           stream,
		Temperature:      o.params.Temperature,
		TopP:             o.params.TopP,
		Stop:             o.params.Stop,
		PresencePenalty:  o.params.PresencePenalty,
		FrequencyPenalty: o.params.FrequencyPenalty,
		Seed:             o.params.Seed,
		MaxTokens:        o.params.MaxTokens,
		LogitBias:        o.params.LogitBias,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.endpoint+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	o.setHeaders(req)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}

	return resp, nil
}

func (o OpenRouter) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/chat-stream-ui/")
	req.Header.Set("X-Title", "Chat Stream UI")
}

package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/chat-stream-ui/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama streams completions from an Ollama server.
type Ollama struct {
	host        string
	titlePrompt string
	titleModel  string

	client *api.Client
}

// NewOllama creates a new Ollama instance with the specified host URL. The host parameter should be a
// valid URL pointing to an Ollama server.
func NewOllama(host, titlePrompt, titleModel string) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:        host,
		titlePrompt: titlePrompt,
		titleModel:  titleModel,
		client:      api.NewClient(u, &http.Client{}),
	}, nil
}

// Chat streams the response of modelID. The chunk with Done set carries the model's token counts.
func (o Ollama) Chat(ctx context.Context, modelID string, turns []models.Turn) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		msgs := make([]api.Message, len(turns))
		for i, t := range turns {
			msgs[i] = api.Message{
				Role:    string(t.Role),
				Content: t.Content,
			}
		}

		t := true
		req := api.ChatRequest{
			Model:    modelID,
			Messages: msgs,
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped {
				return nil
			}
			chunk := models.Chunk{
				Text:  res.Message.Content,
				Model: res.Model,
			}
			if res.Done {
				chunk.Usage = &models.Usage{
					PromptTokens:     res.PromptEvalCount,
					CompletionTokens: res.EvalCount,
					TotalTokens:      res.PromptEvalCount + res.EvalCount,
				}
			}
			if !yield(chunk, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", ollamaError(err)))
		}
	}
}

// GenerateTitle generates a title for a given message using the title model.
func (o Ollama) GenerateTitle(ctx context.Context, message string) (string, error) {
	f := false
	req := api.ChatRequest{
		Model: o.titleModel,
		Messages: []api.Message{
			{
				Role:    "system",
				Content: o.titlePrompt,
			},
			{
				Role:    "user",
				Content: message,
			},
		},
		Stream: &f,
	}

	var title string

	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		title = res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", ollamaError(err))
	}

	return title, nil
}

// ListModels returns the models pulled on the server.
func (o Ollama) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	list, err := o.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing models: %w", ollamaError(err))
	}

	res := make([]models.ModelInfo, len(list.Models))
	for i, m := range list.Models {
		res[i] = models.ModelInfo{ID: m.Name, Provider: "ollama"}
	}
	return res, nil
}

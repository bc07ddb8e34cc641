package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-stream-ui/internal/models"
	"github.com/MegaGrindStone/chat-stream-ui/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeConfig(t *testing.T) {
	const src = `
port: "9000"
logLevel: debug
systemPrompt: Be brief.
llm:
  provider: openrouter
  model: deepseek/deepseek-r1
  titleModel: openai/gpt-4o-mini
  apiKey: sk-test
  parameters:
    temperature: 0.5
    maxTokens: 512
    stop: ["###"]
mcpSSEServers:
  search:
    url: http://localhost:3001/sse
mcpStdIOServers:
  files:
    command: mcp-files
    args: ["--root", "/tmp"]
webSearch:
  server: search
history:
  maxChats: 50
catalog:
  ttl: 5m
markdown:
  style: dracula
errorRules:
  - type: rate-limit
    statusCodes: [503]
    patterns: ["overloaded"]
    message: The provider is overloaded.
`

	cfg, err := decodeConfig(strings.NewReader(src), "/etc/chatui")
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "Be brief.", cfg.SystemPrompt)
	assert.Equal(t, defaultTitlePrompt, cfg.TitleGeneratorPrompt)

	llm, ok := cfg.LLM.(*openRouterConfig)
	require.True(t, ok)
	assert.Equal(t, "deepseek/deepseek-r1", llm.Model)
	assert.Equal(t, "openai/gpt-4o-mini", llm.titleModel())
	assert.Equal(t, "sk-test", llm.APIKey)
	require.NotNil(t, llm.Parameters.Temperature)
	assert.InDelta(t, 0.5, *llm.Parameters.Temperature, 0.0001)
	require.NotNil(t, llm.Parameters.MaxTokens)
	assert.Equal(t, 512, *llm.Parameters.MaxTokens)
	assert.Equal(t, []string{"###"}, llm.Parameters.Stop)
	assert.Equal(t, models.ModelInfo{ID: "deepseek/deepseek-r1", Provider: "openrouter"}, cfg.LLM.defaultModel())

	assert.Equal(t, "http://localhost:3001/sse", cfg.MCPSSEServers["search"].URL)
	assert.Equal(t, []string{"--root", "/tmp"}, cfg.MCPStdIOServers["files"].Args)
	assert.Equal(t, webSearchConfig{Server: "search", Tool: defaultSearchTool, MaxResults: defaultSearchResults}, cfg.WebSearch)
	assert.Equal(t, historyConfig{Path: filepath.Join("/etc/chatui", "store.db"), MaxChats: 50}, cfg.History)
	assert.Equal(t, 5*time.Minute, cfg.Catalog.TTL)
	assert.Equal(t, "dracula", cfg.Markdown.Style)

	require.Len(t, cfg.ErrorRules, 1)
	assert.Equal(t, models.ErrorTypeRateLimit, cfg.ErrorRules[0].Type)
	assert.Equal(t, []int{503}, cfg.ErrorRules[0].StatusCodes)
	assert.Equal(t, "The provider is overloaded.", cfg.ErrorRules[0].Message)
}

func TestDecodeConfigDefaults(t *testing.T) {
	cfg, err := decodeConfig(strings.NewReader("llm:\n  provider: ollama\n  model: llama3\n"), "/cfg")
	require.NoError(t, err)

	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, defaultLogLevel, cfg.LogLevel)
	assert.Equal(t, filepath.Join("/cfg", "store.db"), cfg.History.Path)
	assert.Zero(t, cfg.History.MaxChats)
	assert.Zero(t, cfg.Catalog.TTL)

	llm, ok := cfg.LLM.(*ollamaConfig)
	require.True(t, ok)
	assert.Equal(t, "llama3", llm.titleModel())
}

func TestDecodeConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{
			name:    "Missing provider",
			src:     "llm:\n  model: gpt-4o\n",
			wantErr: "llm provider is required",
		},
		{
			name:    "Unknown provider",
			src:     "llm:\n  provider: anthropic\n  model: claude\n",
			wantErr: "unknown llm provider: anthropic",
		},
		{
			name:    "Negative max chats",
			src:     "llm:\n  provider: openai\n  model: gpt-4o\nhistory:\n  maxChats: -1\n",
			wantErr: "history.maxChats",
		},
		{
			name:    "Unknown search server",
			src:     "llm:\n  provider: openai\n  model: gpt-4o\nwebSearch:\n  server: search\n",
			wantErr: `webSearch.server "search"`,
		},
		{
			name:    "Invalid duration",
			src:     "llm:\n  provider: openai\n  model: gpt-4o\ncatalog:\n  ttl: soon\n",
			wantErr: "error decoding config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeConfig(strings.NewReader(tt.src), "/cfg")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "chatui")
	path := filepath.Join(dir, "config.yaml")

	_, err := loadConfig(path)
	require.Error(t, err)
	assert.DirExists(t, dir)

	require.NoError(t, os.WriteFile(path, []byte("llm:\n  provider: openai\n  model: gpt-4o\n"), 0600))
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "store.db"), cfg.History.Path)
}

func TestLLMSources(t *testing.T) {
	logger, err := newLogger("info", &bytes.Buffer{})
	require.NoError(t, err)

	t.Run("OpenAI key from environment", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-env")

		src, err := openAIConfig{BaseLLMConfig: BaseLLMConfig{Model: "gpt-4o"}}.source("title", logger)
		require.NoError(t, err)
		openAI, ok := src.(services.OpenAI)
		require.True(t, ok)
		assert.NoError(t, openAI.CheckCredentials())
	})

	t.Run("OpenRouter without key", func(t *testing.T) {
		t.Setenv("OPENROUTER_API_KEY", "")

		src, err := openRouterConfig{BaseLLMConfig: BaseLLMConfig{Model: "x/y"}}.source("title", logger)
		require.NoError(t, err)
		openRouter, ok := src.(services.OpenRouter)
		require.True(t, ok)
		assert.Error(t, openRouter.CheckCredentials())
	})

	t.Run("Ollama", func(t *testing.T) {
		src, err := ollamaConfig{BaseLLMConfig: BaseLLMConfig{Model: "llama3"}, Host: "http://localhost:11434"}.
			source("title", logger)
		require.NoError(t, err)
		assert.IsType(t, services.Ollama{}, src)
	})

	t.Run("Missing model", func(t *testing.T) {
		_, err := openAIConfig{}.source("title", logger)
		assert.EqualError(t, err, "model is required")
	})
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("warn", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	_, err = newLogger("loud", &buf)
	assert.Error(t, err)
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/chat-stream-ui/internal/conversation"
	"github.com/MegaGrindStone/chat-stream-ui/internal/models"
	"github.com/MegaGrindStone/chat-stream-ui/internal/services"
	"gopkg.in/yaml.v3"
)

// llmSource is what a configured provider has to offer: streamed completions, chat titles and a
// model list.
type llmSource interface {
	conversation.CompletionSource
	GenerateTitle(ctx context.Context, message string) (string, error)
	services.ModelLister
}

type llmConfig interface {
	source(titlePrompt string, logger *slog.Logger) (llmSource, error)
	defaultModel() models.ModelInfo
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// TitleModel generates chat titles. Defaults to Model.
	TitleModel string                 `yaml:"titleModel"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

type config struct {
	Port                 string                          `yaml:"port"`
	LogLevel             string                          `yaml:"logLevel"`
	SystemPrompt         string                          `yaml:"systemPrompt"`
	TitleGeneratorPrompt string                          `yaml:"titleGeneratorPrompt"`
	LLM                  llmConfig                       `yaml:"-"`
	MCPSSEServers        map[string]mcpSSEServerConfig   `yaml:"mcpSSEServers"`
	MCPStdIOServers      map[string]mcpStdIOServerConfig `yaml:"mcpStdIOServers"`
	WebSearch            webSearchConfig                 `yaml:"webSearch"`
	History              historyConfig                   `yaml:"history"`
	Catalog              catalogConfig                   `yaml:"catalog"`
	Markdown             markdownConfig                  `yaml:"markdown"`
	ErrorRules           []conversation.ClassifyRule     `yaml:"errorRules"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
}

type mcpSSEServerConfig struct {
	URL string `yaml:"url"`
}

type mcpStdIOServerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// webSearchConfig enables search augmentation through a tool of one of the MCP servers.
type webSearchConfig struct {
	Server     string `yaml:"server"`
	Tool       string `yaml:"tool"`
	MaxResults int    `yaml:"maxResults"`
}

type historyConfig struct {
	// Path of the bolt database. Defaults to store.db next to the config file.
	Path     string `yaml:"path"`
	MaxChats int    `yaml:"maxChats"`
}

type catalogConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type markdownConfig struct {
	Style string `yaml:"style"`
}

const (
	defaultPort          = "8080"
	defaultLogLevel      = "info"
	defaultTitlePrompt   = "Generate a short title, at most six words, for a chat that starts with the user message below. Reply with the title only."
	defaultSearchTool    = "search"
	defaultSearchResults = 5
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	type plain config
	var rawConfig struct {
		plain `yaml:",inline"`
		LLM   map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	*c = config(rawConfig.plain)

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

// setDefaults fills unset fields. dir is the directory of the config file.
func (c *config) setDefaults(dir string) {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.TitleGeneratorPrompt == "" {
		c.TitleGeneratorPrompt = defaultTitlePrompt
	}
	if c.History.Path == "" {
		c.History.Path = filepath.Join(dir, "store.db")
	}
	if c.WebSearch.Tool == "" {
		c.WebSearch.Tool = defaultSearchTool
	}
	if c.WebSearch.MaxResults <= 0 {
		c.WebSearch.MaxResults = defaultSearchResults
	}
}

func (c config) validate() error {
	if c.LLM == nil {
		return fmt.Errorf("llm is required")
	}
	if c.History.MaxChats < 0 {
		return fmt.Errorf("history.maxChats must not be negative")
	}
	if c.WebSearch.Server == "" {
		return nil
	}
	_, sse := c.MCPSSEServers[c.WebSearch.Server]
	_, stdio := c.MCPStdIOServers[c.WebSearch.Server]
	if !sse && !stdio {
		return fmt.Errorf("webSearch.server %q is not a configured MCP server", c.WebSearch.Server)
	}
	return nil
}

// loadConfig reads the config file at path. An empty path means config.yaml in the chatui directory
// of the user config dir.
func loadConfig(path string) (config, error) {
	if path == "" {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return config{}, fmt.Errorf("error getting user config dir: %w", err)
		}
		path = filepath.Join(cfgDir, "chatui", "config.yaml")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return config{}, fmt.Errorf("error creating config directory: %w", err)
	}

	cfgFile, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	return decodeConfig(cfgFile, dir)
}

func decodeConfig(r io.Reader, dir string) (config, error) {
	cfg := config{}
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	cfg.setDefaults(dir)
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func (b BaseLLMConfig) titleModel() string {
	if b.TitleModel != "" {
		return b.TitleModel
	}
	return b.Model
}

func (b BaseLLMConfig) defaultModel() models.ModelInfo {
	return models.ModelInfo{ID: b.Model, Provider: b.Provider}
}

func (o ollamaConfig) source(titlePrompt string, _ *slog.Logger) (llmSource, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	ollama, err := services.NewOllama(host, titlePrompt, o.titleModel())
	if err != nil {
		return nil, err
	}
	return ollama, nil
}

func (o openAIConfig) source(titlePrompt string, logger *slog.Logger) (llmSource, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(services.OpenAIConfig{
		APIKey:      apiKey,
		BaseURL:     o.BaseURL,
		TitlePrompt: titlePrompt,
		TitleModel:  o.titleModel(),
		Params:      o.Parameters,
	}, logger), nil
}

func (o openRouterConfig) source(titlePrompt string, logger *slog.Logger) (llmSource, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return services.NewOpenRouter(services.OpenRouterConfig{
		APIKey:      apiKey,
		Endpoint:    o.Endpoint,
		TitlePrompt: titlePrompt,
		TitleModel:  o.titleModel(),
		Params:      o.Parameters,
	}, logger), nil
}

package services

// LLMParameters are optional sampling parameters passed to OpenAI compatible providers. Nil fields are
// left to the provider's defaults.
type LLMParameters struct {
	Temperature      *float32       `yaml:"temperature"`
	TopP             *float32       `yaml:"topP"`
	Stop             []string       `yaml:"stop"`
	PresencePenalty  *float32       `yaml:"presencePenalty"`
	FrequencyPenalty *float32       `yaml:"frequencyPenalty"`
	Seed             *int           `yaml:"seed"`
	MaxTokens        *int           `yaml:"maxTokens"`
	LogitBias        map[string]int `yaml:"logitBias"`
}

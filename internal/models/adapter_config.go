package models

// RedisConfig holds connection settings for the Redis backends (fast store
// and similarity store share one client).
type RedisConfig struct {
	URL string `yaml:"url" json:"url"`
}

// EmbeddingsConfig holds settings for the embedding generation service.
type EmbeddingsConfig struct {
	OpenAIAPIKey string `yaml:"openai_api_key" json:"-"`
	Model        string `yaml:"model,omitempty" json:"model,omitzero"`
}

package ai

import (
	"errors"

	"github.com/hrygo/recall/internal/profile"
)

// EmbeddingConfig represents vector embedding configuration.
type EmbeddingConfig struct {
	Provider   string // openai, deterministic
	Model      string // text-embedding-3-small
	Dimensions int    // 1536
	APIKey     string
	BaseURL    string

	// RequestsPerSecond caps outbound embedding calls. Zero disables
	// throttling (the deterministic provider never needs it).
	RequestsPerSecond float64
}

// NewConfigFromProfile creates embedding config from profile.
func NewConfigFromProfile(p *profile.Profile) *EmbeddingConfig {
	return &EmbeddingConfig{
		Provider:          p.EmbeddingProvider,
		Model:             p.EmbeddingModel,
		Dimensions:        p.EmbeddingDimensions,
		APIKey:            p.EmbeddingAPIKey,
		BaseURL:           p.EmbeddingBaseURL,
		RequestsPerSecond: 5,
	}
}

// Validate validates the configuration.
func (c *EmbeddingConfig) Validate() error {
	if c.Provider == "" {
		return errors.New("embedding provider is required")
	}
	if c.Dimensions <= 0 {
		return errors.New("embedding dimensions must be positive")
	}
	if c.Provider == "openai" && c.APIKey == "" {
		return errors.New("embedding API key is required")
	}
	return nil
}

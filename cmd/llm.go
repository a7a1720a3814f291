package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/forge/internal/llm"
)

var errNoGeneration = errors.New("no generation service configured: set generation.endpoint or anthropic.api_key")

// newTransport creates the generation transport from config/env, or returns
// nil if neither an endpoint nor an API key is configured. An endpoint wins
// over the API key.
func newTransport() llm.Transport {
	if endpoint := viper.GetString("generation.endpoint"); endpoint != "" {
		return llm.NewSSETransport(endpoint)
	}
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewAnthropicTransport(apiKey, viper.GetString("anthropic.model"), viper.GetInt64("anthropic.max_tokens"))
}

// unconfigured fails every request so agent runs settle in FAILED with a
// readable reason instead of the commands refusing to start.
type unconfigured struct{}

func (unconfigured) Stream(context.Context, llm.Request, func(string)) (string, error) {
	return "", errNoGeneration
}

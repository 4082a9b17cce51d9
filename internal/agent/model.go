package agent

import (
	"fmt"
	"os"
	"strings"

	"markform.app/fill/common/llm"
)

// ModelRef is a parsed "provider/modelId" model specifier.
type ModelRef struct {
	Provider string
	ModelID  string
}

// ParseModelRef splits "provider/modelId" into its parts. The provider
// prefix stops at the first "/"; everything after it is the model id
// (model ids may themselves contain slashes, e.g. "openrouter/meta-llama/llama-3-70b"
// yields model id "meta-llama/llama-3-70b").
func ParseModelRef(spec string) (ModelRef, error) {
	idx := strings.IndexByte(spec, '/')
	if idx <= 0 || idx == len(spec)-1 {
		return ModelRef{}, ConfigurationError{Message: fmt.Sprintf("model %q must be in \"provider/modelId\" form", spec)}
	}
	return ModelRef{Provider: spec[:idx], ModelID: spec[idx+1:]}, nil
}

// ProviderFactory builds an llm.AgentClient for a resolved model id, given
// the provider's API key read from its environment variable.
type ProviderFactory func(apiKey, modelID string) (llm.AgentClient, error)

// apiKeyEnvVar names the per-provider environment variable holding the API
// key. It only covers the two built-ins; a custom provider's factory is
// called with an empty apiKey.
var apiKeyEnvVar = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

var builtinProviders = map[string]ProviderFactory{
	"openai": func(apiKey, modelID string) (llm.AgentClient, error) {
		return llm.NewAgentClient(llm.Config{APIKey: apiKey, Model: modelID})
	},
	"anthropic": func(apiKey, modelID string) (llm.AgentClient, error) {
		return llm.NewAnthropicClient(llm.Config{APIKey: apiKey, Model: modelID})
	},
}

// ResolveModel parses a "provider/modelId" spec, looks up an adapter
// (custom providers first, then built-ins), reads the provider's API key
// from its environment variable, and constructs the client. Every failure
// path returns a ConfigurationError so fillengine can fail fast before any
// LLM call.
func ResolveModel(spec string, custom map[string]ProviderFactory) (llm.AgentClient, error) {
	ref, err := ParseModelRef(spec)
	if err != nil {
		return nil, err
	}

	factory, ok := custom[ref.Provider]
	if !ok {
		factory, ok = builtinProviders[ref.Provider]
	}
	if !ok {
		return nil, ConfigurationError{Message: fmt.Sprintf("unknown model provider %q", ref.Provider)}
	}

	envVar, hasEnvVar := apiKeyEnvVar[ref.Provider]
	apiKey := ""
	if hasEnvVar {
		apiKey = os.Getenv(envVar)
		if apiKey == "" {
			return nil, ConfigurationError{Message: fmt.Sprintf("missing API key: set %s for provider %q", envVar, ref.Provider)}
		}
	}

	client, err := factory(apiKey, ref.ModelID)
	if err != nil {
		return nil, ConfigurationError{Message: fmt.Sprintf("provider %q rejected model %q: %v", ref.Provider, ref.ModelID, err)}
	}
	return client, nil
}

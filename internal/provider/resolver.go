package provider

import "fmt"

// Default endpoints for the supported local runtimes.
const (
	lmStudioBase = "http://localhost:1234/v1"
	llamaCppBase = "http://localhost:8080/v1"
	ollamaBase   = "http://localhost:11434/v1"
)

// Resolve maps a provider id to a configured client. baseURL overrides the
// runtime's default endpoint when set.
func Resolve(id, baseURL, apiKey, model string) (Provider, error) {
	base := baseURL
	switch id {
	case "lmstudio":
		if base == "" {
			base = lmStudioBase
		}
	case "llamacpp":
		if base == "" {
			base = llamaCppBase
		}
	case "ollama":
		if base == "" {
			base = ollamaBase
		}
	case "openai-compatible":
		if base == "" {
			return nil, fmt.Errorf("provider %s requires an explicit base URL", id)
		}
	default:
		return nil, fmt.Errorf("unknown provider: %s", id)
	}
	return NewOpenAICompatible(id, base, apiKey, model), nil
}

// Package registry holds the static catalog of available models.
package registry

// Features are the capability flags a model natively supports.
type Features struct {
	Thinking        bool `json:"thinking"`
	Search          bool `json:"search"`
	ImageGeneration bool `json:"image_generation"`
	Vision          bool `json:"vision"`
	Streaming       bool `json:"streaming"`
}

// Pricing is the cost per 1M tokens.
type Pricing struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// Provider families. OpenRouter-routed models keep a sub-provider prefix in
// their ID (e.g. "anthropic/claude-3.5-sonnet") but are called through the
// OpenRouter gateway.
const (
	ProviderGoogle     = "google"
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderXAI        = "xai"
	ProviderOpenRouter = "openrouter"
)

// ModelDescriptor describes one model in the catalog. Immutable at runtime.
type ModelDescriptor struct {
	ID            string   `json:"id"`
	CodeName      string   `json:"code_name"`
	Name          string   `json:"name"`
	Company       string   `json:"company"`
	Description   string   `json:"description"`
	Features      Features `json:"features"`
	Pricing       Pricing  `json:"pricing"`
	ContextLength int      `json:"context_length"`
	Provider      string   `json:"provider"`
}

// DefaultModelID is the fallback when a requested model is unknown.
const DefaultModelID = "google/gemini-2.0-flash"

var models = []ModelDescriptor{
	// Claude
	{
		ID:            "anthropic/claude-3.5-sonnet",
		CodeName:      "claude-3.5-sonnet",
		Name:          "Claude 3.5 Sonnet",
		Company:       "Anthropic",
		Description:   "Most capable model for complex reasoning and analysis",
		Features:      Features{Thinking: true, Vision: true, Streaming: true},
		Pricing:       Pricing{Input: 3, Output: 15},
		ContextLength: 200000,
		Provider:      ProviderOpenRouter,
	},
	{
		ID:            "anthropic/claude-3.7-sonnet",
		CodeName:      "claude-3.7-sonnet",
		Name:          "Claude 3.7 Sonnet",
		Company:       "Anthropic",
		Description:   "Claude 3.7 Sonnet for advanced tasks.",
		Features:      Features{Thinking: true, Vision: true, Streaming: true},
		Pricing:       Pricing{Input: 8, Output: 24},
		ContextLength: 200000,
		Provider:      ProviderOpenRouter,
	},
	{
		ID:            "anthropic/claude-4-sonnet",
		CodeName:      "claude-4-sonnet",
		Name:          "Claude 4 Sonnet",
		Company:       "Anthropic",
		Description:   "Claude 4 Sonnet for complex tasks.",
		Features:      Features{Thinking: true, Vision: true, Streaming: true},
		Pricing:       Pricing{Input: 15, Output: 45},
		ContextLength: 200000,
		Provider:      ProviderOpenRouter,
	},
	// Gemini
	{
		ID:            "google/gemini-2.0-flash",
		CodeName:      "gemini-2.0-flash",
		Name:          "Gemini 2.0 Flash",
		Company:       "Google",
		Description:   "Fast and efficient multimodal model",
		Features:      Features{Search: true, ImageGeneration: true, Vision: true, Streaming: true},
		Pricing:       Pricing{Input: 0.075, Output: 0.3},
		ContextLength: 1048576,
		Provider:      ProviderGoogle,
	},
	{
		ID:            "google/gemini-2.5-flash",
		CodeName:      "gemini-2.5-flash",
		Name:          "Gemini 2.5 Flash",
		Company:       "Google",
		Description:   "Gemini 2.5 Flash for fast tasks.",
		Features:      Features{Search: true, ImageGeneration: true, Vision: true, Streaming: true},
		Pricing:       Pricing{Input: 0.1, Output: 0.4},
		ContextLength: 1048576,
		Provider:      ProviderGoogle,
	},
	{
		ID:            "google/gemini-2.0-pro",
		CodeName:      "gemini-2.0-pro",
		Name:          "Gemini 2.0 Pro",
		Company:       "Google",
		Description:   "Gemini 2.0 Pro for advanced tasks.",
		Features:      Features{Thinking: true, Search: true, ImageGeneration: true, Vision: true, Streaming: true},
		Pricing:       Pricing{Input: 0.2, Output: 0.8},
		ContextLength: 1048576,
		Provider:      ProviderGoogle,
	},
	// Grok
	{
		ID:            "xai/grok-3",
		CodeName:      "grok-3",
		Name:          "Grok 3",
		Company:       "xAI",
		Description:   "Latest Grok model with enhanced reasoning",
		Features:      Features{Thinking: true, Search: true, Vision: true, Streaming: true},
		Pricing:       Pricing{Input: 2, Output: 10},
		ContextLength: 131072,
		Provider:      ProviderXAI,
	},
	{
		ID:            "xai/grok-3-mini",
		CodeName:      "grok-3-mini",
		Name:          "Grok 3 Mini",
		Company:       "xAI",
		Description:   "Grok 3 Mini for lightweight tasks.",
		Features:      Features{Thinking: true, Search: true, Vision: true, Streaming: true},
		Pricing:       Pricing{Input: 1, Output: 5},
		ContextLength: 65536,
		Provider:      ProviderXAI,
	},
	// ChatGPT
	{
		ID:            "openai/gpt-4o",
		CodeName:      "gpt-4o",
		Name:          "GPT-4o",
		Company:       "OpenAI",
		Description:   "Multimodal flagship model with vision capabilities",
		Features:      Features{Vision: true, Streaming: true},
		Pricing:       Pricing{Input: 5, Output: 15},
		ContextLength: 128000,
		Provider:      ProviderOpenRouter,
	},
	{
		ID:            "openai/gpt-4",
		CodeName:      "gpt-4",
		Name:          "GPT-4",
		Company:       "OpenAI",
		Description:   "GPT-4 for advanced tasks.",
		Features:      Features{Vision: true, Streaming: true},
		Pricing:       Pricing{Input: 10, Output: 30},
		ContextLength: 128000,
		Provider:      ProviderOpenRouter,
	},
	{
		ID:            "openai/gpt-3.5-turbo",
		CodeName:      "gpt-3.5-turbo",
		Name:          "GPT-3.5 Turbo",
		Company:       "OpenAI",
		Description:   "GPT-3.5 Turbo for fast and cheap tasks.",
		Features:      Features{Streaming: true},
		Pricing:       Pricing{Input: 0.5, Output: 1.5},
		ContextLength: 16000,
		Provider:      ProviderOpenRouter,
	},
}

// List returns all catalog entries.
func List() []ModelDescriptor {
	out := make([]ModelDescriptor, len(models))
	copy(out, models)
	return out
}

// Get looks up a model by ID.
func Get(id string) (ModelDescriptor, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelDescriptor{}, false
}

// GetOrDefault looks up a model, falling back to the default descriptor for
// unknown IDs so a stale client selection never aborts turn processing.
func GetOrDefault(id string) ModelDescriptor {
	if m, ok := Get(id); ok {
		return m
	}
	m, _ := Get(DefaultModelID)
	return m
}

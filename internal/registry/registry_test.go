package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGet_KnownModel(t *testing.T) {
	desc, ok := Get("xai/grok-3")
	require.True(t, ok)
	require.Equal(t, "Grok 3", desc.Name)
	require.Equal(t, ProviderXAI, desc.Provider)
	require.True(t, desc.Features.Thinking)
	require.True(t, desc.Features.Search)
}

func TestGet_UnknownModel(t *testing.T) {
	_, ok := Get("someone/some-model")
	require.False(t, ok)
}

func TestGetOrDefault_FallsBackToDefault(t *testing.T) {
	desc := GetOrDefault("someone/some-model")
	require.Equal(t, DefaultModelID, desc.ID)

	desc = GetOrDefault("")
	require.Equal(t, DefaultModelID, desc.ID)
}

func TestGetOrDefault_KeepsKnownModel(t *testing.T) {
	desc := GetOrDefault("openai/gpt-4o")
	require.Equal(t, "openai/gpt-4o", desc.ID)
	require.Equal(t, ProviderOpenRouter, desc.Provider)
}

// The default model must support search natively so the most common request
// shape needs no compensation.
func TestDefaultModel_Features(t *testing.T) {
	desc, ok := Get(DefaultModelID)
	require.True(t, ok)
	require.Equal(t, ProviderGoogle, desc.Provider)
	require.True(t, desc.Features.Search)
	require.True(t, desc.Features.Streaming)
	require.False(t, desc.Features.Thinking)
}

func TestList_ReturnsCopy(t *testing.T) {
	first := List()
	first[0].Name = "mutated"

	second := List()
	require.NotEqual(t, "mutated", second[0].Name)
	require.Len(t, second, len(first))
}

func TestCatalog_ProvidersAreKnown(t *testing.T) {
	known := map[string]bool{
		ProviderGoogle:     true,
		ProviderOpenAI:     true,
		ProviderAnthropic:  true,
		ProviderXAI:        true,
		ProviderOpenRouter: true,
	}
	for _, desc := range List() {
		require.True(t, known[desc.Provider], "model %s has unknown provider %q", desc.ID, desc.Provider)
		require.NotEmpty(t, desc.ID)
		require.NotZero(t, desc.ContextLength)
	}
}

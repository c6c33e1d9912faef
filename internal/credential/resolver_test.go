package credential

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ThommysArt/better-chat/internal/model"
	"github.com/ThommysArt/better-chat/internal/registry"
)

func TestResolve_UserKeyWinsOverEnv(t *testing.T) {
	r := NewResolver(map[string]string{"openai": "env-key"})

	key, err := r.Resolve("openai", Keys{"openai": "user-key"})
	require.NoError(t, err)
	require.Equal(t, "user-key", key)
}

func TestResolve_EnvFallback(t *testing.T) {
	r := NewResolver(map[string]string{"openai": "env-key"})

	key, err := r.Resolve("openai", nil)
	require.NoError(t, err)
	require.Equal(t, "env-key", key)
}

func TestResolve_NoCredential(t *testing.T) {
	r := NewResolver(nil)

	_, err := r.Resolve("anthropic", nil)
	require.ErrorIs(t, err, model.ErrNoCredential)
}

func TestResolve_EmptyUserKeyIgnored(t *testing.T) {
	r := NewResolver(map[string]string{"google": "env-key"})

	key, err := r.Resolve("google", Keys{"google": ""})
	require.NoError(t, err)
	require.Equal(t, "env-key", key)
}

func TestResolve_EmptyEnvKeyIgnored(t *testing.T) {
	r := NewResolver(map[string]string{"xai": ""})

	_, err := r.Resolve("xai", nil)
	require.ErrorIs(t, err, model.ErrNoCredential)
}

func TestResolve_ProviderCaseInsensitive(t *testing.T) {
	r := NewResolver(map[string]string{"OpenAI": "env-key"})

	key, err := r.Resolve("openai", nil)
	require.NoError(t, err)
	require.Equal(t, "env-key", key)
}

// OpenRouter-routed models authenticate with the gateway key, not with the
// key of the sub-provider named in the model ID.
func TestResolveForModel_OpenRouterUsesGatewayKey(t *testing.T) {
	r := NewResolver(map[string]string{
		"anthropic":  "anthropic-key",
		"openrouter": "gateway-key",
	})

	desc := registry.GetOrDefault("anthropic/claude-3.5-sonnet")
	require.Equal(t, registry.ProviderOpenRouter, desc.Provider)

	key, err := r.ResolveForModel(desc, nil)
	require.NoError(t, err)
	require.Equal(t, "gateway-key", key)
}

func TestResolveForModel_NativeProvider(t *testing.T) {
	r := NewResolver(map[string]string{"google": "google-key"})

	desc := registry.GetOrDefault("google/gemini-2.0-flash")
	key, err := r.ResolveForModel(desc, nil)
	require.NoError(t, err)
	require.Equal(t, "google-key", key)
}

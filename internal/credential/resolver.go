// Package credential resolves provider API keys for a single request.
package credential

import (
	"strings"

	"github.com/ThommysArt/better-chat/internal/model"
	"github.com/ThommysArt/better-chat/internal/registry"
)

// Keys maps a provider family to a user-supplied API key. Keys are held by the
// client and passed per request; they are never persisted server-side.
type Keys map[string]string

// Resolver picks API keys per provider, preferring user-supplied keys over
// environment defaults. The environment set is read once at process start and
// is read-only afterwards.
type Resolver struct {
	env map[string]string
}

// NewResolver creates a resolver over the environment-configured defaults,
// keyed by provider family (google, openai, anthropic, xai, openrouter).
func NewResolver(env map[string]string) *Resolver {
	defaults := make(map[string]string, len(env))
	for provider, key := range env {
		if key != "" {
			defaults[strings.ToLower(provider)] = key
		}
	}
	return &Resolver{env: defaults}
}

// Resolve returns the API key for a provider family: the user-supplied key if
// present, else the environment default, else model.ErrNoCredential. The
// provider call must then fail with that error rather than go out anonymously.
func (r *Resolver) Resolve(provider string, userKeys Keys) (string, error) {
	provider = strings.ToLower(provider)
	if key, ok := userKeys[provider]; ok && key != "" {
		return key, nil
	}
	if key, ok := r.env[provider]; ok {
		return key, nil
	}
	return "", model.ErrNoCredential
}

// ResolveForModel resolves the credential used to call the given model. For
// OpenRouter-routed models the gateway credential is selected regardless of
// the sub-provider named in the model ID; the sub-provider's capability flags
// still apply to the call itself.
func (r *Resolver) ResolveForModel(desc registry.ModelDescriptor, userKeys Keys) (string, error) {
	return r.Resolve(desc.Provider, userKeys)
}

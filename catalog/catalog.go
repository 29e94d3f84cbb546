// Package catalog holds the model and upstream provider descriptors and
// resolves which upstream serves a request.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// Provider types understood by the router.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
)

const defaultFeeMultiplier = 1.01

var (
	// ErrModelNotFound is returned when the requested model is not priced.
	ErrModelNotFound = errors.New("model not found")

	// ErrProviderNotFound indicates a model referencing an unknown provider.
	ErrProviderNotFound = errors.New("provider not found")
)

// Provider describes one upstream inference endpoint.
type Provider struct {
	ID            string  `toml:"id"`
	Type          string  `toml:"type"`
	BaseURL       string  `toml:"base_url"`
	APIKey        string  `toml:"api_key"`
	APIKeyEnv     string  `toml:"api_key_env"`
	FeeMultiplier float64 `toml:"fee_multiplier"`
}

// Model describes pricing and limits for one model id.
type Model struct {
	ID                          string  `toml:"id"`
	ProviderID                  string  `toml:"provider"`
	ContextLength               int64   `toml:"context_length"`
	MaxCompletionTokens         int64   `toml:"max_completion_tokens"`
	PromptMsatPerToken          float64 `toml:"prompt_msat_per_token"`
	CompletionMsatPerToken      float64 `toml:"completion_msat_per_token"`
	CompletionImageMsatPerToken float64 `toml:"completion_image_msat_per_token"`
	RequestFeeMsat              int64   `toml:"request_fee_msat"`
	MaxCostMsat                 int64   `toml:"max_cost_msat"`
}

// HasTokenPricing reports whether per-token settlement is possible.
func (m Model) HasTokenPricing() bool {
	return m.PromptMsatPerToken > 0 || m.CompletionMsatPerToken > 0
}

// Catalog is the read-mostly model and provider registry. It is populated at
// startup (and on explicit reloads) and safe for concurrent readers.
type Catalog struct {
	mu              sync.RWMutex
	models          map[string]Model
	providers       map[string]Provider
	defaultProvider string
}

type catalogFile struct {
	Providers []Provider `toml:"providers"`
	Models    []Model    `toml:"models"`
}

// New builds a catalog from explicit descriptors. The first provider becomes
// the default unless defaultProvider names another.
func New(providers []Provider, models []Model, defaultProvider string) (*Catalog, error) {
	c := &Catalog{
		models:    make(map[string]Model, len(models)),
		providers: make(map[string]Provider, len(providers)),
	}
	for _, p := range providers {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, fmt.Errorf("provider missing id")
		}
		if strings.TrimSpace(p.BaseURL) == "" {
			return nil, fmt.Errorf("provider %s missing base_url", id)
		}
		if p.FeeMultiplier <= 0 {
			p.FeeMultiplier = defaultFeeMultiplier
		}
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		}
		if p.Type == "" {
			p.Type = ProviderOpenAI
		}
		c.providers[id] = p
		if c.defaultProvider == "" {
			c.defaultProvider = id
		}
	}
	if defaultProvider = strings.TrimSpace(defaultProvider); defaultProvider != "" {
		if _, ok := c.providers[defaultProvider]; !ok {
			return nil, fmt.Errorf("%w: default %s", ErrProviderNotFound, defaultProvider)
		}
		c.defaultProvider = defaultProvider
	}
	for _, m := range models {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			return nil, fmt.Errorf("model missing id")
		}
		if m.ProviderID != "" {
			if _, ok := c.providers[m.ProviderID]; !ok {
				return nil, fmt.Errorf("%w: model %s references %s", ErrProviderNotFound, id, m.ProviderID)
			}
		}
		c.models[id] = m
	}
	return c, nil
}

// Load reads the TOML catalog file.
func Load(path, defaultProvider string) (*Catalog, error) {
	var file catalogFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	return New(file.Providers, file.Models, defaultProvider)
}

// Model looks up a model descriptor.
func (c *Catalog) Model(id string) (Model, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[strings.TrimSpace(id)]
	if !ok {
		return Model{}, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return m, nil
}

// Models returns every model descriptor, for the local /v1/models listing.
func (c *Catalog) Models() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	return out
}

// ProviderFor resolves the provider serving a model: a model-specific
// override beats the default upstream.
func (c *Catalog) ProviderFor(modelID string) (Provider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.models[strings.TrimSpace(modelID)]; ok && m.ProviderID != "" {
		if p, ok := c.providers[m.ProviderID]; ok {
			return p, nil
		}
		return Provider{}, fmt.Errorf("%w: %s", ErrProviderNotFound, m.ProviderID)
	}
	if p, ok := c.providers[c.defaultProvider]; ok {
		return p, nil
	}
	return Provider{}, fmt.Errorf("%w: no default provider", ErrProviderNotFound)
}

// DefaultProvider returns the fallback upstream.
func (c *Catalog) DefaultProvider() (Provider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.providers[c.defaultProvider]; ok {
		return p, nil
	}
	return Provider{}, fmt.Errorf("%w: no default provider", ErrProviderNotFound)
}

// Replace swaps the catalog contents. Used by out-of-band refreshes.
func (c *Catalog) Replace(other *Catalog) {
	if other == nil {
		return
	}
	other.mu.RLock()
	models := other.models
	providers := other.providers
	def := other.defaultProvider
	other.mu.RUnlock()
	c.mu.Lock()
	c.models = models
	c.providers = providers
	c.defaultProvider = def
	c.mu.Unlock()
}

package adapters

import (
	"fmt"
	"sort"
	"strings"

	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/payment/domain"
)

// Registry maps a provider name to the factory that charges through it.
type Registry struct {
	factories map[string]domain.ProviderFactory
}

// NewRegistry registers every factory; a blank or repeated name is an error.
func NewRegistry(factories ...domain.ProviderFactory) (*Registry, error) {
	r := &Registry{factories: make(map[string]domain.ProviderFactory, len(factories))}
	for _, factory := range factories {
		if err := r.Register(factory); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(factory domain.ProviderFactory) error {
	if factory == nil {
		return fmt.Errorf("%w: nil factory", domain.ErrInvalidConfig)
	}
	name := normalizeName(factory.Provider())
	if name == "" {
		return fmt.Errorf("%w: factory without a provider name", domain.ErrInvalidConfig)
	}
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateProvider, name)
	}
	r.factories[name] = factory
	return nil
}

// Names lists the registered providers in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the provider selected by the payment settings.
func (r *Registry) Resolve(cfg config.PaymentConfig) (domain.Provider, error) {
	name := normalizeName(cfg.Provider)
	if r == nil || name == "" {
		return nil, domain.ErrProviderNotFound
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s (registered: %s)", domain.ErrProviderNotFound, name, strings.Join(r.Names(), ", "))
	}
	return factory.NewProvider(providerConfig(name, cfg))
}

// providerConfig picks the credentials for name out of the payment settings.
func providerConfig(name string, cfg config.PaymentConfig) domain.ProviderConfig {
	out := domain.ProviderConfig{Currency: strings.ToLower(strings.TrimSpace(cfg.Currency))}
	switch name {
	case "stripe":
		out.APIKey = cfg.StripeAPIKey
		out.BaseURL = cfg.StripeBaseURL
	}
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

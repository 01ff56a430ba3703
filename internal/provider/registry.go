package provider

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"payment-gateway/internal/config"
	"payment-gateway/internal/models"
)

// Registry holds the adapters configured at startup, keyed by provider
// name. Webpay always registers (it ships integration credentials); Stripe
// and PayPal register only when their credentials are present.
type Registry struct {
	providers   map[models.Provider]Provider
	defaultName models.Provider
}

// NewRegistry builds the adapter set from the gateway config.
func NewRegistry(cfg *config.Config, events *EventLogger, logger *logrus.Logger) *Registry {
	registry := &Registry{
		providers:   make(map[models.Provider]Provider),
		defaultName: models.ProviderWebpay,
	}

	registry.providers[models.ProviderWebpay] = NewWebpayProvider(cfg, events)

	if stripeProvider, err := NewStripeProvider(cfg, events); err == nil {
		registry.providers[models.ProviderStripe] = stripeProvider
	} else {
		logger.WithField("provider", models.ProviderStripe).Info("Provider not configured, skipping")
	}

	if paypalProvider, err := NewPayPalProvider(cfg, events); err == nil {
		registry.providers[models.ProviderPayPal] = paypalProvider
	} else {
		logger.WithField("provider", models.ProviderPayPal).Info("Provider not configured, skipping")
	}

	if name, ok := models.ResolveProvider(cfg.DefaultProvider); ok {
		registry.defaultName = name
	} else if cfg.DefaultProvider != "" {
		logger.WithField("provider", cfg.DefaultProvider).Warn("Unknown default provider, falling back to webpay")
	}

	return registry
}

// Get resolves a provider by name or alias.
func (r *Registry) Get(name string) (Provider, error) {
	resolved, ok := models.ResolveProvider(name)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	p, ok := r.providers[resolved]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", resolved)
	}
	return p, nil
}

// ForPayment resolves the adapter that created the given payment.
func (r *Registry) ForPayment(payment *models.Payment) (Provider, error) {
	return r.Get(string(payment.Provider))
}

// Default returns the adapter used when a request names no provider.
func (r *Registry) Default() (Provider, error) {
	return r.Get(string(r.defaultName))
}

// Names lists the configured providers.
func (r *Registry) Names() []models.Provider {
	names := make([]models.Provider, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

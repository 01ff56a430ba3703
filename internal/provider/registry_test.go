package provider

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-gateway/internal/config"
	"payment-gateway/internal/models"
)

func newTestRegistry(cfg *config.Config) *Registry {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewRegistry(cfg, newTestEventLogger(&stubEventStore{}), logger)
}

func TestRegistryAlwaysRegistersWebpay(t *testing.T) {
	registry := newTestRegistry(&config.Config{
		TbkAPIKeyID:     "597055555532",
		TbkAPIKeySecret: "597055555532",
		TbkHost:         "https://webpay3gint.transbank.cl",
	})

	p, err := registry.Get("webpay")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderWebpay, p.Name())

	_, err = registry.Get("stripe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")

	_, err = registry.Get("paypal")
	require.Error(t, err)
}

func TestRegistryResolvesAliases(t *testing.T) {
	registry := newTestRegistry(&config.Config{})

	p, err := registry.Get("transbank")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderWebpay, p.Name())

	_, err = registry.Get("square")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestRegistryRegistersConfiguredProviders(t *testing.T) {
	registry := newTestRegistry(&config.Config{
		StripeSecretKey:    "sk_test_123",
		PayPalClientID:     "client-id",
		PayPalClientSecret: "client-secret",
		PayPalBaseURL:      "https://api-m.sandbox.paypal.com",
	})

	names := registry.Names()
	assert.Len(t, names, 3)

	stripeProvider, err := registry.Get("stripe")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderStripe, stripeProvider.Name())

	paypalProvider, err := registry.Get("paypal")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderPayPal, paypalProvider.Name())
}

func TestRegistryDefault(t *testing.T) {
	registry := newTestRegistry(&config.Config{DefaultProvider: "webpay"})

	p, err := registry.Default()
	require.NoError(t, err)
	assert.Equal(t, models.ProviderWebpay, p.Name())
}

func TestRegistryDefaultFallsBackOnUnknownName(t *testing.T) {
	registry := newTestRegistry(&config.Config{DefaultProvider: "adyen"})

	p, err := registry.Default()
	require.NoError(t, err)
	assert.Equal(t, models.ProviderWebpay, p.Name())
}

func TestRegistryForPayment(t *testing.T) {
	registry := newTestRegistry(&config.Config{StripeSecretKey: "sk_test_123"})

	p, err := registry.ForPayment(&models.Payment{Provider: models.ProviderStripe})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderStripe, p.Name())
}

package provider

import (
	"errors"
	"testing"
)

func TestNewRegistry(t *testing.T) {
	cfg := Config{
		Active:      NameVeriff,
		CallbackURL: "https://api.example.com/verify/webhook",
		Veriff:      VeriffConfig{APIKey: "vk", WebhookSecret: "vs"},
		Persona:     PersonaConfig{WebhookSecret: "ps"},
	}

	registry, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if registry.Active().Name() != NameVeriff {
		t.Errorf("Active().Name() = %q, want %q", registry.Active().Name(), NameVeriff)
	}

	// Persona has only a webhook secret configured; its webhooks can still
	// be verified even though it is not active.
	if _, err := registry.Get(NamePersona); err != nil {
		t.Errorf("Get(persona): %v", err)
	}

	if _, err := registry.Get(NameYoti); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Get(yoti) err = %v, want ErrUnknownProvider", err)
	}
	if _, err := registry.Get("acme"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Get(acme) err = %v, want ErrUnknownProvider", err)
	}
}

func TestNewRegistryActiveUnconfigured(t *testing.T) {
	_, err := NewRegistry(Config{
		Active: NameYoti,
		Veriff: VeriffConfig{APIKey: "vk"},
	})
	if !errors.Is(err, ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestNewRegistryNoActive(t *testing.T) {
	_, err := NewRegistry(Config{
		Veriff: VeriffConfig{APIKey: "vk"},
	})
	if !errors.Is(err, ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

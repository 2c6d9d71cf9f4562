// Package models defines the shared data types for proctor.
package models

import (
	"fmt"
	"strings"
)

// Provider identifies an external AI provider budgeted in tokens.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderCustom    Provider = "custom"
)

// KnownProviders returns the providers proctor can govern.
func KnownProviders() []Provider {
	return []Provider{ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderCustom}
}

// ParseProvider normalizes a provider name.
func ParseProvider(value string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ProviderAnthropic):
		return ProviderAnthropic, nil
	case string(ProviderOpenAI):
		return ProviderOpenAI, nil
	case string(ProviderGoogle):
		return ProviderGoogle, nil
	case string(ProviderCustom):
		return ProviderCustom, nil
	default:
		return "", fmt.Errorf("invalid provider: %s", value)
	}
}

// Valid reports whether the provider is one of the known set.
func (p Provider) Valid() bool {
	switch p {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderCustom:
		return true
	default:
		return false
	}
}

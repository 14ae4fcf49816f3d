package domain

import "github.com/pkg/errors"

// Credentials holds the Bybit API key pair. The secret lives in memory only
// and must never end up in logs or error messages.
type Credentials struct {
	APIKey    string
	APISecret string
}

// NewCredentials validates and constructs credentials.
func NewCredentials(apiKey, apiSecret string) (Credentials, error) {
	if apiKey == "" {
		return Credentials{}, errors.New("api key is empty")
	}
	if apiSecret == "" {
		return Credentials{}, errors.New("api secret is empty")
	}
	return Credentials{APIKey: apiKey, APISecret: apiSecret}, nil
}

// String implements fmt.Stringer with the secret redacted, so credentials are
// safe to pass to any diagnostic output by construction.
func (c Credentials) String() string {
	return "Credentials{APIKey:[redacted], APISecret:[redacted]}"
}

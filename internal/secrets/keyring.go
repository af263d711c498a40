// Package secrets stores the API key in the operating system keychain.
package secrets

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	service = "figura"
	account = "api_key"
)

// ErrNoKey is returned by Load when no API key has been saved.
var ErrNoKey = errors.New("no api key stored")

// Load returns the saved API key, or ErrNoKey if none exists.
func Load() (string, error) {
	key, err := keyring.Get(service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNoKey
	}
	if err != nil {
		return "", fmt.Errorf("reading keychain: %w", err)
	}
	if key == "" {
		return "", ErrNoKey
	}
	return key, nil
}

// Save stores the API key, replacing any previous value.
func Save(key string) error {
	if err := keyring.Set(service, account, key); err != nil {
		return fmt.Errorf("writing keychain: %w", err)
	}
	return nil
}

// Delete removes the saved API key. Deleting a missing key is not an error.
func Delete() error {
	err := keyring.Delete(service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("clearing keychain: %w", err)
	}
	return nil
}

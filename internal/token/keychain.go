package token

import "github.com/zalando/go-keyring"

// keychainService is the OS credential-store service name every token is
// filed under (spec §3: "secret ... lives in keychain under the token id").
const keychainService = "mcp-router"

// Keychain abstracts the OS-native secret store so the composition root can
// inject zalando/go-keyring in production and an in-memory fake in tests,
// per spec §9's "interface per leaf" rule.
type Keychain interface {
	Set(id, secret string) error
	Get(id string) (string, error)
	Delete(id string) error
}

// OSKeychain is the production Keychain, backed by the OS credential
// manager (macOS Keychain, Windows Credential Manager, Secret Service/D-Bus
// on Linux) via zalando/go-keyring.
type OSKeychain struct{}

func (OSKeychain) Set(id, secret string) error {
	return keyring.Set(keychainService, id, secret)
}

func (OSKeychain) Get(id string) (string, error) {
	secret, err := keyring.Get(keychainService, id)
	if err == keyring.ErrNotFound {
		return "", ErrSecretNotFound
	}
	return secret, err
}

func (OSKeychain) Delete(id string) error {
	err := keyring.Delete(keychainService, id)
	if err == keyring.ErrNotFound {
		return nil
	}
	return err
}

package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/99designs/keyring"
)

const serviceName = "emx-mail"

// Secrets stores account passwords outside the config file.
type Secrets struct {
	ring keyring.Keyring
}

// OpenKeyring opens the system keyring, falling back to an encrypted file
// store below dir.
func OpenKeyring(dir string) (*Secrets, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(dir, "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt("emx-mail-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Secrets{ring: ring}, nil
}

// NewSecrets wraps an already opened keyring.
func NewSecrets(ring keyring.Keyring) *Secrets {
	return &Secrets{ring: ring}
}

// CredentialKey names the keyring item of an account protocol.
func CredentialKey(account, protocol string) string {
	return account + "/" + protocol
}

// Get retrieves a credential value by key.
func (s *Secrets) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a credential value by key.
func (s *Secrets) Set(key, value string) error {
	if err := s.ring.Set(keyring.Item{Key: key, Data: []byte(value), Label: "emx-mail " + key}); err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes a credential by key.
func (s *Secrets) Delete(key string) error {
	if err := s.ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// ResolvePasswords fills empty passwords of configured protocols from the
// keyring. Missing items are left empty.
func (c *Config) ResolvePasswords(s *Secrets) error {
	for name, acc := range c.Accounts {
		settings := map[string]*ProtocolSettings{
			"imap": &acc.IMAP,
			"pop3": &acc.POP3,
			"smtp": &acc.SMTP,
		}
		for proto, p := range settings {
			if !p.Configured() || p.Password != "" {
				continue
			}
			pw, err := s.Get(CredentialKey(name, proto))
			if errors.Is(err, keyring.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			p.Password = pw
		}
		if acc.Gateway.URL != "" && acc.Gateway.Password == "" {
			pw, err := s.Get(CredentialKey(name, "gateway"))
			if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
				return err
			}
			acc.Gateway.Password = pw
		}
		c.Accounts[name] = acc
	}
	return nil
}

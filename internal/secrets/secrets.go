// Package secrets implements the Secrets Provider (spec.md §4.B): a small
// capability dispatched at construction from WELLMONITOR_SECRETS_MODE,
// following the teacher codebase's pattern of tagged-variant services with
// a two-or-three-method surface (spec.md §9 design notes).
package secrets

import (
	"errors"
	"fmt"
)

// Provider is the capability every backend implements.
type Provider interface {
	// Get returns the named secret and whether it was found.
	Get(key string) (string, bool)
	// Required fails fast if any of keys is missing, for the startup-fatal
	// path spec.md §4.B describes for the hub connection string.
	Required(keys ...string) error
}

// Well-known secret keys (spec.md §6 environment variables).
const (
	KeyIoTHubConnectionString = "WELLMONITOR_IOTHUB_CONNECTION_STRING"
	KeyStorageConnectionString = "WELLMONITOR_STORAGE_CONNECTION_STRING"
	KeyOcrAPIKey               = "WELLMONITOR_OCR_API_KEY"
	KeyLocalEncryptionKey      = "WELLMONITOR_LOCAL_ENCRYPTION_KEY"
)

// ErrMissingSecret is wrapped by Required's returned error for each absent key.
var ErrMissingSecret = errors.New("missing required secret")

func requiredFrom(p Provider, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if _, ok := p.Get(k); !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingSecret, missing)
	}
	return nil
}

// Mode selects which backend New constructs.
type Mode string

const (
	ModeEnvironment Mode = "environment"
	ModeFile        Mode = "file"
	ModeVault       Mode = "vault"
)

// Config carries the backend-specific construction parameters.
type Config struct {
	Mode Mode
	// FilePath is the 0640 environment file read by ModeFile.
	FilePath string
	// VaultAddr/VaultToken/VaultPath configure ModeVault.
	VaultAddr  string
	VaultToken string
	VaultPath  string
}

// New dispatches to the backend named by cfg.Mode.
func New(cfg Config) (Provider, error) {
	switch cfg.Mode {
	case ModeEnvironment, "":
		return newEnvironmentProvider(), nil
	case ModeFile:
		return newFileProvider(cfg.FilePath)
	case ModeVault:
		return newVaultProvider(cfg.VaultAddr, cfg.VaultToken, cfg.VaultPath)
	default:
		return nil, fmt.Errorf("secrets: unknown mode %q", cfg.Mode)
	}
}

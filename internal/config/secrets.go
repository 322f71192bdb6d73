package config

import (
	"fmt"
	"os"
	"strings"
)

// SecretRef names a secret to resolve at startup. Exactly one source
// is used: an inline Value (development only) or a typed reference.
type SecretRef struct {
	// Type selects the provider: "env", "file", or "vault". Empty
	// with a Value set means the literal is used as-is.
	Type string `yaml:"type" mapstructure:"type" validate:"omitempty,oneof=env file vault"`

	// Key is the provider-specific lookup: env var name, file path,
	// or vault secret path.
	Key string `yaml:"key" mapstructure:"key"`

	// Vault optionally overrides the vault mount for type=vault.
	Vault string `yaml:"vault" mapstructure:"vault"`

	// Value is an inline literal. Fails the hardening gate in
	// production.
	Value string `yaml:"value" mapstructure:"value"`
}

// IsZero reports whether the reference names nothing.
func (r SecretRef) IsZero() bool {
	return r.Type == "" && r.Key == "" && r.Value == ""
}

// SecretProvider resolves one reference type.
type SecretProvider func(ref SecretRef) (string, error)

// Resolver holds the registered secret providers. Env and file
// providers are always available; vault requires registration with a
// real client.
type Resolver struct {
	providers map[string]SecretProvider
}

// NewResolver builds a resolver with the env and file providers
// registered.
func NewResolver() *Resolver {
	r := &Resolver{providers: make(map[string]SecretProvider)}
	r.Register("env", envProvider)
	r.Register("file", fileProvider)
	return r
}

// Register adds or replaces the provider for a reference type.
func (r *Resolver) Register(refType string, p SecretProvider) {
	r.providers[refType] = p
}

// Resolve returns the secret value for ref. A missing secret is a
// startup error, never an empty fallback.
func (r *Resolver) Resolve(ref SecretRef) (string, error) {
	if ref.Type == "" {
		if ref.Value == "" {
			return "", fmt.Errorf("secret reference is empty")
		}
		return ref.Value, nil
	}
	p, ok := r.providers[ref.Type]
	if !ok {
		return "", fmt.Errorf("no secret provider registered for type %q", ref.Type)
	}
	value, err := p(ref)
	if err != nil {
		return "", fmt.Errorf("resolve %s secret %q: %w", ref.Type, ref.Key, err)
	}
	if value == "" {
		return "", fmt.Errorf("%s secret %q resolved empty", ref.Type, ref.Key)
	}
	return value, nil
}

// ResolveOptional is Resolve for secrets that may be absent; a zero
// reference yields an empty value without error.
func (r *Resolver) ResolveOptional(ref SecretRef) (string, error) {
	if ref.IsZero() {
		return "", nil
	}
	return r.Resolve(ref)
}

func envProvider(ref SecretRef) (string, error) {
	value, ok := os.LookupEnv(ref.Key)
	if !ok {
		return "", fmt.Errorf("environment variable not set")
	}
	return value, nil
}

func fileProvider(ref SecretRef) (string, error) {
	data, err := os.ReadFile(ref.Key)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrSecretNotFound is returned by SecretStore.Get for unset secrets.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore reads and writes named secrets such as "analysis_api_key".
type SecretStore interface {
	Get(name string) (string, error)
	Set(name, value string) error
}

// SecretsPath is the secrets file. STOREVOICE_SECRETS_FILE overrides the
// default next to the config file.
func SecretsPath() string {
	if p := os.Getenv("STOREVOICE_SECRETS_FILE"); p != "" {
		return p
	}
	return filepath.Join(userConfigDir(), "storevoice", "secrets.json")
}

// NewSecretFile returns the secret store backed by SecretsPath.
func NewSecretFile() SecretStore {
	return secretFile{path: SecretsPath()}
}

// secretFile is a flat JSON object of secret names to values. The file
// must not be readable by group or others.
type secretFile struct {
	path string
}

func (f secretFile) read() (map[string]string, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("secrets file %s is accessible by other users (mode %04o); chmod 600 it", f.path, info.Mode().Perm())
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	secrets := map[string]string{}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", f.path, err)
	}
	return secrets, nil
}

func (f secretFile) Get(name string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(secrets[name])
	if v == "" {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (f secretFile) Set(name, value string) error {
	secrets, err := f.read()
	if err != nil {
		return err
	}
	secrets[name] = value
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

func secretHint(name string) string {
	return " or " + SecretsPath() + " (key " + name + ")"
}

const apiTokenSecret = "api_token"

// GetAPIToken returns the bearer token guarding the HTTP API. The
// STOREVOICE_API_TOKEN environment variable wins; otherwise the token is
// read from the secret store and generated on first use.
func GetAPIToken(s SecretStore) (string, error) {
	if tok := os.Getenv("STOREVOICE_API_TOKEN"); tok != "" {
		return tok, nil
	}
	tok, err := s.Get(apiTokenSecret)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		return "", fmt.Errorf("reading token: %w", err)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := s.Set(apiTokenSecret, tok); err != nil {
		return "", fmt.Errorf("storing token: %w", err)
	}
	return tok, nil
}

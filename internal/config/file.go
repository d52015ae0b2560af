package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Backend is the persistent layer beneath .env and environment overrides.
type Backend interface {
	// Lookup returns the raw text of key. ok is false when key is unset.
	Lookup(key string) (raw string, ok bool, err error)
	// Set stores value under key. Values keep their JSON type.
	Set(key string, value any) error
}

// ConfigPath is the JSON config file read by Load and written by SetKey.
// STOREVOICE_CONFIG_FILE overrides the per-user default, which lets a
// service unit point every process at one shared file.
func ConfigPath() string {
	if p := os.Getenv("STOREVOICE_CONFIG_FILE"); p != "" {
		return p
	}
	return filepath.Join(userConfigDir(), "storevoice", "config.json")
}

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "storevoice-data"
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "storevoice")
}

// fileBackend keeps config as a flat JSON object, e.g.
// {"server.port": 8000, "transcription.timeout": "10m"}.
type fileBackend struct {
	path string
	data map[string]any
}

func openFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, data: make(map[string]any)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", path, err)
		}
		return b
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", path, err)
		b.data = make(map[string]any)
	}
	return b
}

func (b *fileBackend) Lookup(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok || v == nil {
		return "", false, nil
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case json.Number:
		return val.String(), true, nil
	case bool:
		return strconv.FormatBool(val), true, nil
	default:
		return "", true, fmt.Errorf("%s in %s must be a string, number or bool", key, b.path)
	}
}

func (b *fileBackend) Set(key string, value any) error {
	b.data[key] = value
	return b.save()
}

// save replaces the file atomically so a worker reading it at startup
// never sees a partial write.
func (b *fileBackend) save() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return os.Rename(tmp.Name(), b.path)
}

package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "MCPROUTER"

// DefaultPath returns the default config document location, mirroring the
// teacher's convention of a dotfile under the user's home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".mcprouter", "config.json")
}

// Load reads the config document at path (or DefaultPath if empty),
// overlays environment variables (MCPROUTER_SERVER_PORT, ...), and fills in
// any fields absent from both with DefaultConfig's values. A missing file
// is not an error: Load returns the defaults and the caller may Save them.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.max_connections", def.Server.MaxConnections)
	v.SetDefault("server.timeout_seconds", def.Server.TimeoutSeconds)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.max_size_mb", def.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", def.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", def.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", def.Logging.Compress)
	v.SetDefault("security.allowed_hosts", def.Security.AllowedHosts)
	v.SetDefault("security.auth", def.Security.Auth)
	v.SetDefault("settings.theme", def.Settings.Theme)
	v.SetDefault("settings.autostart", def.Settings.Autostart)
}

// Save persists cfg to path using the write-temp-then-rename discipline
// spec.md §4.1 requires of all file-backed persistence outside the main
// store, preserving any fields this process doesn't understand by
// re-reading the existing document and overlaying only the known keys.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = DefaultPath()
	}

	merged, err := mergeUnknownFields(cfg, path)
	if err != nil {
		return fmt.Errorf("merge config fields: %w", err)
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	return atomicWriteFile(path, data, 0o600)
}

// mergeUnknownFields overlays cfg's known fields onto whatever JSON object
// already exists on disk, so fields this binary doesn't model (desktop
// theme extensions, future keys) survive a save made by this process.
func mergeUnknownFields(cfg *Config, path string) (map[string]json.RawMessage, error) {
	existing := map[string]json.RawMessage{}
	if raw, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(raw, &existing)
	}

	known, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		existing[k] = v
	}
	return existing, nil
}

// atomicWriteFile writes data to path via a same-directory temp file,
// fsync, and atomic rename, so readers never observe a torn write. This is
// the exact discipline the teacher's internal/config/loader.go uses.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return fmt.Errorf("generate temp suffix: %w", err)
	}
	suffix := hex.EncodeToString(randBytes)

	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, filepath.Base(path)+".tmp."+suffix)

	tmpFile, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	tmpFile = nil

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

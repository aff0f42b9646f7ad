package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// KnownKeys defines environment variable keys that scribe recognizes.
var KnownKeys = []string{
	"SCRIBE_SERVER_URL",
	"SCRIBE_SQLITE_PATH",
	"SCRIBE_LOCAL_STORE_PATH",
	"SCRIBE_USER_ID",
	"SCRIBE_PROJECT_ID",
	"SCRIBE_HTTP_TIMEOUT",
	"SCRIBE_EXTRACT_CACHE_SIZE",
	"SCRIBE_LOG_LEVEL",
}

// Config is the resolved runtime configuration.
type Config struct {
	ServerURL        string
	SQLitePath       string
	LocalStorePath   string
	UserID           string
	ProjectID        string
	HTTPTimeout      time.Duration // wait for response headers; zero disables it
	ExtractCacheSize int
	LogLevel         string
}

// Load applies the config file (if any) to the environment and builds a
// Config from it. Environment variables take precedence over file values.
func Load() (*Config, error) {
	if err := LoadAndApply(); err != nil {
		return nil, err
	}
	return FromEnv()
}

// FromEnv builds a Config from the environment only.
func FromEnv() (*Config, error) {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".scribe")
	cfg := &Config{
		ServerURL:        strings.TrimRight(getEnv("SCRIBE_SERVER_URL", "http://localhost:3000"), "/"),
		SQLitePath:       getEnv("SCRIBE_SQLITE_PATH", filepath.Join(base, "scribe.db")),
		LocalStorePath:   getEnv("SCRIBE_LOCAL_STORE_PATH", filepath.Join(base, "local.json")),
		UserID:           os.Getenv("SCRIBE_USER_ID"),
		ProjectID:        os.Getenv("SCRIBE_PROJECT_ID"),
		HTTPTimeout:      60 * time.Second,
		ExtractCacheSize: 64,
		LogLevel:         getEnv("SCRIBE_LOG_LEVEL", "info"),
	}
	if v := os.Getenv("SCRIBE_HTTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("SCRIBE_HTTP_TIMEOUT: %w", err)
		}
		cfg.HTTPTimeout = d
	}
	if v := os.Getenv("SCRIBE_EXTRACT_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("SCRIBE_EXTRACT_CACHE_SIZE: invalid value %q", v)
		}
		cfg.ExtractCacheSize = n
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// LoadAndApply loads ~/.scribe/config.yaml (or .yml/.json) and sets known
// keys in the process environment when they are not already set.
func LoadAndApply() error {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil // non-fatal
	}
	return ApplyFromDir(filepath.Join(home, ".scribe"))
}

// ApplyFromDir is LoadAndApply for an explicit directory.
func ApplyFromDir(dir string) error {
	paths := []string{
		filepath.Join(dir, "config.yaml"),
		filepath.Join(dir, "config.yml"),
		filepath.Join(dir, "config.json"),
	}
	var data map[string]any
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		m, err := parseFile(p, b)
		if err != nil {
			return fmt.Errorf("config %s: %w", p, err)
		}
		data = m
		break
	}
	if len(data) == 0 {
		return nil
	}
	for _, key := range KnownKeys {
		if os.Getenv(key) != "" {
			continue
		}
		if v, ok := lookupInsensitive(data, key); ok {
			os.Setenv(key, toString(v))
		}
	}
	return nil
}

func parseFile(path string, b []byte) (map[string]any, error) {
	var m map[string]any
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// lookupInsensitive accepts SCRIBE_SERVER_URL, scribe_server_url and the
// short form server_url.
func lookupInsensitive(m map[string]any, key string) (any, bool) {
	short := strings.TrimPrefix(key, "SCRIBE_")
	for k, v := range m {
		if strings.EqualFold(k, key) || strings.EqualFold(k, short) {
			return v, true
		}
	}
	return nil, false
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

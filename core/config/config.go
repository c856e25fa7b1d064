// Package config loads shomer settings from YAML with SHOMER_* environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"

	coreerrors "github.com/davidahmann/shomer/core/errors"
)

const (
	DefaultPath    = "config.yaml"
	EnvConfigPath  = "SHOMER_CONFIG"
	custodyLogName = "chain_of_custody.log"
)

type Config struct {
	SeedURLs  []string        `yaml:"seed_urls"`
	Storage   StorageConfig   `yaml:"storage"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	PII       PIIConfig       `yaml:"pii"`
	Classify  ClassifyConfig  `yaml:"classify"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Retention RetentionConfig `yaml:"retention"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type StorageConfig struct {
	BasePath   string `yaml:"base_path"`
	VaultPath  string `yaml:"vault_path"`
	SQLitePath string `yaml:"sqlite_path"`
	// CustodyLog defaults to <base_path>/chain_of_custody.log.
	CustodyLog string `yaml:"custody_log"`
}

type CryptoConfig struct {
	KeyPath string `yaml:"key_path"`
	KeyName string `yaml:"key_name"`
}

type PIIConfig struct {
	HMACKey     string   `yaml:"hmac_key"` // #nosec G117 -- config key name documents expected secret input.
	AnalyzerURL string   `yaml:"analyzer_url"`
	Languages   []string `yaml:"languages"`
}

type ClassifyConfig struct {
	Endpoint string `yaml:"endpoint"`
	Timeout  string `yaml:"timeout"`
}

type FetchConfig struct {
	Timeout   string `yaml:"timeout"`
	MaxImages int    `yaml:"max_images"`
	UserAgent string `yaml:"user_agent"`
}

// RetentionConfig is recorded for operators; nothing in shomer deletes data.
type RetentionConfig struct {
	VaultOriginalsDays int `yaml:"vault_originals_days"`
	PacksDays          int `yaml:"packs_days"`
	ManifestsDays      int `yaml:"manifests_days"`
	CustodyDays        int `yaml:"custody_days"`
}

// TelemetryConfig enables OTLP/HTTP trace export when OTLPEndpoint is set.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type envOverrides struct {
	HMACKey          string `env:"SHOMER_HMAC_KEY"`
	BasePath         string `env:"SHOMER_BASE_PATH"`
	VaultPath        string `env:"SHOMER_VAULT_PATH"`
	SQLitePath       string `env:"SHOMER_SQLITE_PATH"`
	KeyPath          string `env:"SHOMER_KEY_PATH"`
	AnalyzerURL      string `env:"SHOMER_ANALYZER_URL"`
	ClassifyEndpoint string `env:"SHOMER_CLASSIFY_ENDPOINT"`
	OTLPEndpoint     string `env:"SHOMER_OTLP_ENDPOINT"`
}

func Defaults() Config {
	return Config{
		Storage: StorageConfig{
			BasePath:   "./data",
			VaultPath:  "./vault",
			SQLitePath: "./data/shomer.db",
		},
		Crypto:   CryptoConfig{KeyPath: "./keys", KeyName: "shomer-key"},
		PII:      PIIConfig{Languages: []string{"en"}},
		Classify: ClassifyConfig{Endpoint: "http://localhost:8001/classify", Timeout: "30s"},
		Fetch:    FetchConfig{Timeout: "30s", MaxImages: 10, UserAgent: "shomer/0.1"},
		Retention: RetentionConfig{
			VaultOriginalsDays: 730,
			PacksDays:          365,
			ManifestsDays:      1825,
			CustodyDays:        2555,
		},
	}
}

// Path resolves the config file location: explicit flag, then SHOMER_CONFIG,
// then config.yaml.
func Path(flagValue string) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	if fromEnv := strings.TrimSpace(os.Getenv(EnvConfigPath)); fromEnv != "" {
		return fromEnv
	}
	return DefaultPath
}

// Load reads path, applies environment overrides and validates the result.
// A missing pseudonymization key is a configuration error.
func Load(path string, allowMissing bool) (Config, error) {
	configuration, err := Read(path, allowMissing, nil)
	if err != nil {
		return Config{}, err
	}
	if err := configuration.Validate(); err != nil {
		return Config{}, err
	}
	return configuration, nil
}

// Read is Load without validation, for commands that only inspect stored
// data. environ replaces the process environment when non-nil.
func Read(path string, allowMissing bool, environ map[string]string) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, configError("config_path_missing", fmt.Errorf("config path is required"))
	}
	configuration := Defaults()

	// #nosec G304 -- config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	switch {
	case err == nil:
		if len(strings.TrimSpace(string(content))) > 0 {
			var fromFile Config
			if err := yaml.Unmarshal(content, &fromFile); err != nil {
				return Config{}, configError("config_parse_failed", fmt.Errorf("parse config: %w", err))
			}
			configuration.merge(fromFile)
		}
	case os.IsNotExist(err) && allowMissing:
	default:
		return Config{}, configError("config_read_failed", fmt.Errorf("read config: %w", err))
	}

	var overrides envOverrides
	options := env.Options{}
	if environ != nil {
		options.Environment = environ
	}
	if err := env.ParseWithOptions(&overrides, options); err != nil {
		return Config{}, configError("config_env_invalid", fmt.Errorf("parse env: %w", err))
	}
	configuration.apply(overrides)
	configuration.normalize()
	return configuration, nil
}

// merge copies every value set in the file over the defaults.
func (configuration *Config) merge(file Config) {
	setString := func(target *string, value string) {
		if value != "" {
			*target = value
		}
	}
	setInt := func(target *int, value int) {
		if value != 0 {
			*target = value
		}
	}
	if len(file.SeedURLs) > 0 {
		configuration.SeedURLs = file.SeedURLs
	}
	setString(&configuration.Storage.BasePath, file.Storage.BasePath)
	setString(&configuration.Storage.VaultPath, file.Storage.VaultPath)
	setString(&configuration.Storage.SQLitePath, file.Storage.SQLitePath)
	setString(&configuration.Storage.CustodyLog, file.Storage.CustodyLog)
	setString(&configuration.Crypto.KeyPath, file.Crypto.KeyPath)
	setString(&configuration.Crypto.KeyName, file.Crypto.KeyName)
	setString(&configuration.PII.HMACKey, file.PII.HMACKey)
	setString(&configuration.PII.AnalyzerURL, file.PII.AnalyzerURL)
	if len(file.PII.Languages) > 0 {
		configuration.PII.Languages = file.PII.Languages
	}
	setString(&configuration.Classify.Endpoint, file.Classify.Endpoint)
	setString(&configuration.Classify.Timeout, file.Classify.Timeout)
	setString(&configuration.Fetch.Timeout, file.Fetch.Timeout)
	setInt(&configuration.Fetch.MaxImages, file.Fetch.MaxImages)
	setString(&configuration.Fetch.UserAgent, file.Fetch.UserAgent)
	setInt(&configuration.Retention.VaultOriginalsDays, file.Retention.VaultOriginalsDays)
	setInt(&configuration.Retention.PacksDays, file.Retention.PacksDays)
	setInt(&configuration.Retention.ManifestsDays, file.Retention.ManifestsDays)
	setInt(&configuration.Retention.CustodyDays, file.Retention.CustodyDays)
	setString(&configuration.Telemetry.OTLPEndpoint, file.Telemetry.OTLPEndpoint)
}

func (configuration *Config) apply(overrides envOverrides) {
	set := func(target *string, value string) {
		if strings.TrimSpace(value) != "" {
			*target = value
		}
	}
	set(&configuration.PII.HMACKey, overrides.HMACKey)
	set(&configuration.Storage.BasePath, overrides.BasePath)
	set(&configuration.Storage.VaultPath, overrides.VaultPath)
	set(&configuration.Storage.SQLitePath, overrides.SQLitePath)
	set(&configuration.Crypto.KeyPath, overrides.KeyPath)
	set(&configuration.PII.AnalyzerURL, overrides.AnalyzerURL)
	set(&configuration.Classify.Endpoint, overrides.ClassifyEndpoint)
	set(&configuration.Telemetry.OTLPEndpoint, overrides.OTLPEndpoint)
}

func (configuration *Config) normalize() {
	configuration.Storage.BasePath = strings.TrimSpace(configuration.Storage.BasePath)
	configuration.Storage.VaultPath = strings.TrimSpace(configuration.Storage.VaultPath)
	configuration.Storage.SQLitePath = strings.TrimSpace(configuration.Storage.SQLitePath)
	configuration.Storage.CustodyLog = strings.TrimSpace(configuration.Storage.CustodyLog)
	if configuration.Storage.CustodyLog == "" && configuration.Storage.BasePath != "" {
		configuration.Storage.CustodyLog = filepath.Join(configuration.Storage.BasePath, custodyLogName)
	}
	configuration.Crypto.KeyPath = strings.TrimSpace(configuration.Crypto.KeyPath)
	configuration.Crypto.KeyName = strings.TrimSpace(configuration.Crypto.KeyName)
	configuration.PII.HMACKey = strings.TrimSpace(configuration.PII.HMACKey)
	configuration.PII.AnalyzerURL = strings.TrimSpace(configuration.PII.AnalyzerURL)
	languages := configuration.PII.Languages[:0]
	for _, language := range configuration.PII.Languages {
		if trimmed := strings.ToLower(strings.TrimSpace(language)); trimmed != "" {
			languages = append(languages, trimmed)
		}
	}
	configuration.PII.Languages = languages
	configuration.Classify.Endpoint = strings.TrimSpace(configuration.Classify.Endpoint)
	configuration.Classify.Timeout = strings.TrimSpace(configuration.Classify.Timeout)
	configuration.Fetch.Timeout = strings.TrimSpace(configuration.Fetch.Timeout)
	configuration.Fetch.UserAgent = strings.TrimSpace(configuration.Fetch.UserAgent)
	seeds := configuration.SeedURLs[:0]
	for _, seed := range configuration.SeedURLs {
		if trimmed := strings.TrimSpace(seed); trimmed != "" {
			seeds = append(seeds, trimmed)
		}
	}
	configuration.SeedURLs = seeds
}

// Validate checks everything an ingestion needs.
func (configuration Config) Validate() error {
	if configuration.PII.HMACKey == "" {
		return coreerrors.Wrap(fmt.Errorf("pii.hmac_key is required"), coreerrors.CategoryConfiguration, "hmac_key_missing", "set pii.hmac_key or SHOMER_HMAC_KEY", false)
	}
	required := []struct{ name, value string }{
		{"storage.base_path", configuration.Storage.BasePath},
		{"storage.vault_path", configuration.Storage.VaultPath},
		{"storage.sqlite_path", configuration.Storage.SQLitePath},
		{"crypto.key_path", configuration.Crypto.KeyPath},
		{"crypto.key_name", configuration.Crypto.KeyName},
	}
	for _, field := range required {
		if field.value == "" {
			return configError("config_value_missing", fmt.Errorf("%s is required", field.name))
		}
	}
	if _, err := configuration.ClassifyTimeout(); err != nil {
		return err
	}
	if _, err := configuration.FetchTimeout(); err != nil {
		return err
	}
	if configuration.Fetch.MaxImages < 0 {
		return configError("config_value_invalid", fmt.Errorf("fetch.max_images must be >= 0"))
	}
	return nil
}

func (configuration Config) ClassifyTimeout() (time.Duration, error) {
	return parseTimeout("classify.timeout", configuration.Classify.Timeout)
}

func (configuration Config) FetchTimeout() (time.Duration, error) {
	return parseTimeout("fetch.timeout", configuration.Fetch.Timeout)
}

// Language is the first configured analyzer language.
func (configuration Config) Language() string {
	if len(configuration.PII.Languages) == 0 {
		return "en"
	}
	return configuration.PII.Languages[0]
}

func parseTimeout(name, value string) (time.Duration, error) {
	if value == "" {
		return 30 * time.Second, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil || duration <= 0 {
		return 0, configError("config_value_invalid", fmt.Errorf("%s must be a positive duration, got %q", name, value))
	}
	return duration, nil
}

func configError(code string, err error) error {
	return coreerrors.Wrap(err, coreerrors.CategoryConfiguration, code, "check the shomer config file", false)
}

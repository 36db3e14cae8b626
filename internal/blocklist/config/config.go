package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// AppConfig holds configuration values parsed from environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// Listen is the host:port the REST API binds to.
	Listen string `koanf:"listen" validate:"required,host_port"`

	// SourcesFile is the YAML, JSON or TOML file listing the configured sources.
	SourcesFile string `koanf:"sources_file" validate:"required"`

	// StateDB is the bbolt file holding the last fetched body of each source.
	// Empty disables persistence.
	StateDB string `koanf:"state_db"`

	// CacheSize is the number of query decisions kept. Zero, the default,
	// disables the cache and leaves queries lock-free.
	CacheSize int `koanf:"cache_size" validate:"gte=0"`

	BloomFPRate float64 `koanf:"bloom_fp_rate" validate:"gt=0,lt=1"`

	// RefreshInterval applies to sources without their own refresh.
	RefreshInterval time.Duration `koanf:"refresh_interval" validate:"gte=1m"`

	FetchTimeout time.Duration `koanf:"fetch_timeout" validate:"gte=1s"`

	FetchConcurrency int `koanf:"fetch_concurrency" validate:"gte=1,lte=64"`

	// MaxListBytes caps the size of one fetched list.
	MaxListBytes int64 `koanf:"max_list_bytes" validate:"gte=1024"`

	// MaxImportBytes caps the body of an import request.
	MaxImportBytes int64 `koanf:"max_import_bytes" validate:"gte=1024"`

	// WarningLimit is the number of rejected lines logged per source build.
	WarningLimit int `koanf:"warning_limit" validate:"gte=0"`

	RejectPublicSuffix bool `koanf:"reject_public_suffix"`

	// UserAgent overrides the User-Agent sent with list downloads.
	UserAgent string `koanf:"user_agent"`
}

// DEFAULT_APP_CONFIG defines the default application configuration settings for the
// blocklist service: production logging, the API on port 8080, a six hour refresh
// interval and an in-memory only raw list store.
var DEFAULT_APP_CONFIG = AppConfig{
	Env:                "prod",
	LogLevel:           "info",
	Listen:             ":8080",
	SourcesFile:        "/etc/zoraxy-blocklist/sources.yaml",
	StateDB:            "",
	CacheSize:          0,
	BloomFPRate:        0.01,
	RefreshInterval:    6 * time.Hour,
	FetchTimeout:       30 * time.Second,
	FetchConcurrency:   4,
	MaxListBytes:       64 << 20,
	MaxImportBytes:     8 << 20,
	WarningLimit:       20,
	RejectPublicSuffix: true,
	UserAgent:          "",
}

// validHostPort validates whether the provided field value is a "host:port" pair.
// The host may be empty, an IP address or a hostname; the port must be 1-65535.
func validHostPort(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil || port == "" {
		return false
	}
	if strings.ContainsAny(host, " /") {
		return false
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0
}

// envLoader loads environment variables with the prefix "BLOCKLIST_".
// Keys are lowercased with the prefix removed and values are trimmed. Every
// setting is scalar, so values are never split. It can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "BLOCKLIST_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "BLOCKLIST_"))
			return key, strings.TrimSpace(value)
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG into k using the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// registerValidation registers the "host_port" tag with the validator.
var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("host_port", validHostPort)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	err := defaultLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	err = envLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	err = registerValidation(validate)
	if err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	err = validate.Struct(&cfg)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}

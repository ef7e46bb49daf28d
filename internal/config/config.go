package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix   = "BRIDGE_"
	envFile     = "BRIDGE_CONFIG"
	defaultFile = "configs/config.yaml"
)

type Config struct {
	LogLevel  string `koanf:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `koanf:"log_format" validate:"oneof=json console"`

	Server         ServerConfig         `koanf:"server"`
	Database       DatabaseConfig       `koanf:"database"`
	Redis          RedisConfig          `koanf:"redis"`
	Roaming        RoamingConfig        `koanf:"roaming"`
	Sync           SyncConfig           `koanf:"sync"`
	Counterparties []CounterpartyConfig `koanf:"counterparties" validate:"dive"`
	// Parties are static party bindings, installed next to the ones in the
	// database.
	Parties []PartyConfig `koanf:"parties" validate:"dive"`
}

type ServerConfig struct {
	Addr              string          `koanf:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration   `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration   `koanf:"shutdown_timeout"`
	RateLimit         RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig applies per party. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gte=0"`
	Burst             int     `koanf:"burst" validate:"gte=0"`
}

// DatabaseConfig is optional: without a URL everything is kept in memory.
type DatabaseConfig struct {
	URL      string `koanf:"url"`
	MaxConns int32  `koanf:"max_conns" validate:"gte=0"`
}

// RedisConfig is optional: without an address delivery bookkeeping is kept in
// memory.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type RoamingConfig struct {
	CountryCode     string        `koanf:"country_code" validate:"len=2"`
	PartyId         string        `koanf:"party_id" validate:"len=3"`
	Currency        string        `koanf:"currency" validate:"len=3"`
	RequestTimeout  time.Duration `koanf:"request_timeout" validate:"gt=0"`
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerOpenFor  time.Duration `koanf:"breaker_open_for"`
}

type SyncConfig struct {
	DisablePushData        bool          `koanf:"disable_push_data"`
	DisablePushStatus      bool          `koanf:"disable_push_status"`
	DisableAuthentication  bool          `koanf:"disable_authentication"`
	DisableSendCDRs        bool          `koanf:"disable_send_cdrs"`
	ServiceCheckEvery      time.Duration `koanf:"service_check_every" validate:"gte=0"`
	StatusCheckEvery       time.Duration `koanf:"status_check_every" validate:"gte=0"`
	CDRCheckEvery          time.Duration `koanf:"cdr_check_every" validate:"gte=0"`
	PushConcurrency        int           `koanf:"push_concurrency" validate:"gte=1"`
	IncludeEVSEIds         []string      `koanf:"include_evse_ids"`
	IncludeChargingPoolIds []string      `koanf:"include_charging_pool_ids"`
}

type CounterpartyConfig struct {
	Name        string `koanf:"name" validate:"required"`
	CountryCode string `koanf:"country_code" validate:"len=2"`
	PartyId     string `koanf:"party_id" validate:"len=3"`
	BaseURL     string `koanf:"base_url" validate:"required,url"`
	Token       string `koanf:"token" validate:"required"`
	Priority    int    `koanf:"priority"`
}

type PartyConfig struct {
	Token       string `koanf:"token" validate:"required"`
	CountryCode string `koanf:"country_code" validate:"len=2"`
	PartyId     string `koanf:"party_id" validate:"len=3"`
	Role        string `koanf:"role" validate:"oneof=CPO EMSP HUB NSP"`
}

func Defaults() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "json",
		Server: ServerConfig{
			Addr:              ":8081",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			RateLimit:         RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
		},
		Database: DatabaseConfig{MaxConns: 10},
		Roaming: RoamingConfig{
			CountryCode:     "DE",
			PartyId:         "GEF",
			Currency:        "EUR",
			RequestTimeout:  15 * time.Second,
			BreakerFailures: 5,
			BreakerOpenFor:  30 * time.Second,
		},
		Sync: SyncConfig{
			ServiceCheckEvery: 15 * time.Minute,
			StatusCheckEvery:  time.Minute,
			CDRCheckEvery:     5 * time.Minute,
			PushConcurrency:   8,
		},
	}
}

// Load layers the defaults, the YAML file named by BRIDGE_CONFIG (or
// configs/config.yaml when present) and BRIDGE_ environment variables.
// A double underscore in a variable name separates nested keys:
// BRIDGE_DATABASE__URL sets database.url.
func Load() (*Config, error) {
	path := os.Getenv(envFile)
	required := path != ""
	if path == "" {
		path = defaultFile
	}
	return LoadFile(path, required)
}

func LoadFile(path string, required bool) (*Config, error) {
	k := koanf.New(".")

	defaults := Defaults()
	if err := k.Load(structs.Provider(&defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		_, statErr := os.Stat(path)
		switch {
		case statErr == nil:
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading %s: %w", path, err)
			}
		case errors.Is(statErr, fs.ErrNotExist) && !required:
		default:
			return nil, fmt.Errorf("config file %s: %w", path, statErr)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	if s == envFile {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
}

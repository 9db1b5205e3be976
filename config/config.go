// Package config loads the worker configuration from YAML with environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"alluvial/internal/sqlutil"
)

// Duration is a time.Duration that unmarshals from YAML strings such as "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

type Database struct {
	Dialect      string `yaml:"dialect" validate:"required"`
	DSN          string `yaml:"dsn"`
	Host         string `yaml:"host"`
	Port         string `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Name         string `yaml:"name"`
	MaxOpenConns int    `yaml:"maxOpenConns" validate:"gte=0"`
}

type Workers struct {
	Parallelism        int      `yaml:"parallelism" validate:"min=1"`
	WaitInterval       Duration `yaml:"waitInterval" validate:"gt=0"`
	ReleaseTimeout     Duration `yaml:"releaseTimeout" validate:"gte=0"`
	BatchSize          int      `yaml:"batchSize" validate:"gte=0"`
	MaxBatchesPerLease int      `yaml:"maxBatchesPerLease" validate:"gte=0"`
	// ExtendEvery turns on lease extension while a handler runs. Zero disables it.
	ExtendEvery Duration `yaml:"extendEvery" validate:"gte=0"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

// Config is the whole worker configuration.
type Config struct {
	Database Database `yaml:"database"`
	Registry string   `yaml:"registry" validate:"required"`
	Scope    string   `yaml:"scope" validate:"required,max=128"`
	Stream   string   `yaml:"stream" validate:"required"`
	Workers  Workers  `yaml:"workers"`
	Log      Log      `yaml:"log"`
	Metrics  Metrics  `yaml:"metrics"`
}

// Default returns the configuration used for everything a file and the environment leave unset.
func Default() Config {
	return Config{
		Database: Database{
			Dialect:      string(sqlutil.SQLServer),
			Host:         "localhost",
			Port:         "1433",
			User:         "sa",
			Name:         "alluvial",
			MaxOpenConns: 10,
		},
		Registry: "conf/pools.json",
		Stream:   "feed",
		Workers: Workers{
			Parallelism:    4,
			WaitInterval:   Duration(5 * time.Second),
			ReleaseTimeout: Duration(10 * time.Second),
			BatchSize:      100,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults, applies environment overrides and validates the result. An
// empty path skips the file.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return errors.New("config has more than one document")
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	strs := []struct {
		key    string
		target *string
	}{
		{"ALLUVIAL_DIALECT", &cfg.Database.Dialect},
		{"ALLUVIAL_DSN", &cfg.Database.DSN},
		{"ALLUVIAL_REGISTRY", &cfg.Registry},
		{"ALLUVIAL_SCOPE", &cfg.Scope},
		{"ALLUVIAL_STREAM", &cfg.Stream},
		{"ALLUVIAL_LOG_LEVEL", &cfg.Log.Level},
		{"ALLUVIAL_METRICS_ADDR", &cfg.Metrics.Addr},
		{"MSSQL_HOST", &cfg.Database.Host},
		{"MSSQL_PORT", &cfg.Database.Port},
		{"MSSQL_USER", &cfg.Database.User},
		{"MSSQL_SA_PASSWORD", &cfg.Database.Password},
		{"MSSQL_DATABASE", &cfg.Database.Name},
	}
	for _, s := range strs {
		*s.target = envOrDefault(getenv, s.key, *s.target)
	}

	if raw := getenv("ALLUVIAL_PARALLELISM"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("ALLUVIAL_PARALLELISM: %w", err)
		}
		cfg.Workers.Parallelism = n
	}
	if raw := getenv("ALLUVIAL_WAIT_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("ALLUVIAL_WAIT_INTERVAL: %w", err)
		}
		cfg.Workers.WaitInterval = Duration(d)
	}
	if raw := getenv("ALLUVIAL_LOG_PRETTY"); raw != "" {
		pretty, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("ALLUVIAL_LOG_PRETTY: %w", err)
		}
		cfg.Log.Pretty = pretty
	}
	return nil
}

func envOrDefault(getenv func(string) string, key, fallback string) string {
	value := strings.TrimSpace(getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

// Validate checks field constraints and that the database can be reached with what is configured.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Dialect(); err != nil {
		return err
	}
	if _, err := c.DSN(); err != nil {
		return err
	}
	return nil
}

// Dialect returns the parsed database dialect.
func (c Config) Dialect() (sqlutil.Dialect, error) {
	return sqlutil.ParseDialect(c.Database.Dialect)
}

// DSN returns the configured DSN, or builds a SQL Server one from the connection fields.
func (c Config) DSN() (string, error) {
	if c.Database.DSN != "" {
		return c.Database.DSN, nil
	}
	dialect, err := c.Dialect()
	if err != nil {
		return "", err
	}
	if dialect != sqlutil.SQLServer {
		return "", fmt.Errorf("database.dsn is required for %s", dialect)
	}
	if c.Database.Password == "" {
		return "", errors.New("sql password is required")
	}
	return sqlutil.BuildSQLServerDSN(c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.Name), nil
}

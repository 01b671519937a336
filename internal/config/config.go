// Package config provides configuration loading, validation, and defaults for
// the compliance-checker.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for compliance-checker.
type Config struct {
	Log          LogConfig          `yaml:"log"          json:"log"`
	Server       ServerConfig       `yaml:"server"       json:"server"`
	Redis        RedisConfig        `yaml:"redis"        json:"redis"`
	Addepar      AddeparConfig      `yaml:"addepar"      json:"addepar"`
	Restrictions RestrictionsConfig `yaml:"restrictions" json:"restrictions"`
	Cache        CacheConfig        `yaml:"cache"        json:"cache"`
	Checker      CheckerConfig      `yaml:"checker"      json:"checker"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"  json:"level"  env:"ACC_LOG_LEVEL"  validate:"omitempty,oneof=trace debug info warn error fatal panic"`
	Format string `yaml:"format" json:"format" env:"ACC_LOG_FORMAT" validate:"omitempty,oneof=text json"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address" json:"listen_address" env:"ACC_LISTEN_ADDRESS" validate:"required"`
	EnablePprof   bool   `yaml:"enable_pprof"   json:"enable_pprof"   env:"ACC_ENABLE_PPROF"`
}

// RedisConfig holds Redis connection settings. When URL is set the client
// list snapshot is persisted in Redis instead of the local cache directory.
type RedisConfig struct {
	URL string `yaml:"url" json:"url" env:"ACC_REDIS_URL"`
}

// AddeparConfig holds Addepar jobs API connection and retrieval settings.
type AddeparConfig struct {
	URL  string `yaml:"url"  json:"url"  env:"ACC_ADDEPAR_URL" validate:"required,url"`
	Auth string `yaml:"auth" json:"auth" env:"ADDEPAR_AUTH"`

	FirmID        string `yaml:"firm_id"        json:"firm_id"        env:"ACC_ADDEPAR_FIRM_ID" validate:"required"`
	ViewID        int    `yaml:"view_id"        json:"view_id"        env:"ACC_ADDEPAR_VIEW_ID" validate:"required,min=1"`
	PortfolioType string `yaml:"portfolio_type" json:"portfolio_type" env:"ACC_ADDEPAR_PORTFOLIO_TYPE" validate:"omitempty,oneof=FIRM GROUP ENTITY"`
	PortfolioID   int    `yaml:"portfolio_id"   json:"portfolio_id"   env:"ACC_ADDEPAR_PORTFOLIO_ID"  validate:"omitempty,min=1"`
	StartDate     string `yaml:"start_date"     json:"start_date"     env:"ACC_ADDEPAR_START_DATE"    validate:"omitempty,datetime=2006-01-02"`

	PollIntervalSeconds int `yaml:"poll_interval_seconds" json:"poll_interval_seconds" env:"ACC_ADDEPAR_POLL_INTERVAL" validate:"omitempty,min=1"`
	// MaxWaitSeconds bounds how long a retrieval waits for job completion.
	// Set to -1 to wait indefinitely.
	MaxWaitSeconds int `yaml:"max_wait_seconds" json:"max_wait_seconds" env:"ACC_ADDEPAR_MAX_WAIT" validate:"omitempty,min=-1"`

	SubmitRetries int `yaml:"submit_retries" json:"submit_retries" env:"ACC_ADDEPAR_SUBMIT_RETRIES" validate:"omitempty,min=1"`
	StatusRetries int `yaml:"status_retries" json:"status_retries" env:"ACC_ADDEPAR_STATUS_RETRIES" validate:"omitempty,min=1"`

	MaxRequestsPerSecond   int `yaml:"max_requests_per_second"   json:"max_requests_per_second"   env:"ACC_ADDEPAR_MAX_RPS"   validate:"omitempty,min=0"`
	BurstRequestsPerSecond int `yaml:"burst_requests_per_second" json:"burst_requests_per_second" env:"ACC_ADDEPAR_BURST_RPS" validate:"omitempty,min=0"`
}

// PollInterval returns the job poll interval as a time.Duration.
func (c AddeparConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// MaxWait returns the poll bound as a time.Duration. A MaxWaitSeconds of -1
// yields a negative duration, which disables the bound.
func (c AddeparConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitSeconds) * time.Second
}

// RestrictionsConfig holds restriction tracker workbook settings.
type RestrictionsConfig struct {
	WorkbookPath  string `yaml:"workbook_path"  json:"workbook_path"  env:"ACC_RESTRICTIONS_WORKBOOK" validate:"required"`
	Sheet         string `yaml:"sheet"          json:"sheet"          env:"ACC_RESTRICTIONS_SHEET"    validate:"required"`
	AccountColumn string `yaml:"account_column" json:"account_column" env:"ACC_RESTRICTIONS_COLUMN"   validate:"required"`

	ReloadIntervalSeconds int `yaml:"reload_interval_seconds" json:"reload_interval_seconds" env:"ACC_RESTRICTIONS_RELOAD_INTERVAL" validate:"omitempty,min=1"`
}

// ReloadInterval returns the workbook reload interval as a time.Duration.
func (c RestrictionsConfig) ReloadInterval() time.Duration {
	return time.Duration(c.ReloadIntervalSeconds) * time.Second
}

// CacheConfig holds client list snapshot cache settings.
type CacheConfig struct {
	Dir  string `yaml:"dir"  json:"dir"  env:"ACC_CACHE_DIR"  validate:"required"`
	File string `yaml:"file" json:"file" env:"ACC_CACHE_FILE" validate:"required"`

	TTLHours                    int `yaml:"ttl_hours"                      json:"ttl_hours"                      env:"ACC_CACHE_TTL_HOURS"        validate:"omitempty,min=1"`
	RefreshCheckIntervalSeconds int `yaml:"refresh_check_interval_seconds" json:"refresh_check_interval_seconds" env:"ACC_REFRESH_CHECK_INTERVAL" validate:"omitempty,min=1"`
}

// TTL returns the snapshot validity window as a time.Duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// RefreshCheckInterval returns how often snapshot staleness is re-evaluated.
func (c CacheConfig) RefreshCheckInterval() time.Duration {
	return time.Duration(c.RefreshCheckIntervalSeconds) * time.Second
}

// CheckerConfig holds cross-referencing settings.
type CheckerConfig struct {
	// AccountColumns are candidate column names tried in order when
	// resolving which column of a client list holds account numbers. The
	// first column of the table is used when none of them match.
	AccountColumns []string `yaml:"account_columns" json:"account_columns" env:"ACC_ACCOUNT_COLUMNS" validate:"required,min=1"`
}

// Load reads a YAML configuration file, applies defaults, applies environment
// variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	ApplyDefaults(cfg)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default builds a configuration from defaults and environment variable
// overrides alone, for running without a config file.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg
}

// applyEnvOverrides walks the config struct and overwrites fields that have
// an "env" tag if the corresponding environment variable is set.
func applyEnvOverrides(cfg *Config) {
	applyEnvOverridesOnValue(reflect.ValueOf(cfg))
}

func applyEnvOverridesOnValue(v reflect.Value) {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Recurse into embedded structs and struct fields.
		if fieldVal.Kind() == reflect.Struct {
			applyEnvOverridesOnValue(fieldVal.Addr())
			continue
		}
		if fieldVal.Kind() == reflect.Ptr && fieldVal.Type().Elem().Kind() == reflect.Struct {
			if !fieldVal.IsNil() {
				applyEnvOverridesOnValue(fieldVal)
			}
			continue
		}

		envKey := field.Tag.Get("env")
		if envKey == "" {
			continue
		}

		envVal, ok := os.LookupEnv(envKey)
		if !ok {
			continue
		}

		setFieldFromString(fieldVal, envVal)
	}
}

// setFieldFromString sets a reflect.Value from a string, supporting
// string, bool, int, float64, and []string field types.
func setFieldFromString(field reflect.Value, raw string) {
	if !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)

	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err == nil {
			field.SetBool(b)
		}

	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err == nil {
			field.SetInt(int64(n))
		}

	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err == nil {
			field.SetFloat(f)
		}

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(raw, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				s := strings.TrimSpace(p)
				if s != "" {
					result = append(result, s)
				}
			}
			field.Set(reflect.ValueOf(result))
		}
	}
}

// redactString replaces a secret string with "****" if non-empty.
func redactString(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// Redacted returns a copy of the Config with sensitive fields masked.
func (c *Config) Redacted() Config {
	cp := *c
	cp.Addepar.Auth = redactString(cp.Addepar.Auth)
	cp.Redis.URL = redactString(cp.Redis.URL)
	return cp
}

// RedactedJSON returns the config as indented JSON with secrets masked.
func (c *Config) RedactedJSON() ([]byte, error) {
	redacted := c.Redacted()
	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling redacted config: %w", err)
	}
	return data, nil
}

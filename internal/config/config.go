// Package config provides YAML configuration with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
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

	"gopkg.in/yaml.v3"

	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/router"
	"github.com/modelmux/modelmux/providers"
)

// Config is the complete router configuration.
type Config struct {
	Router    RouterConfig        `yaml:"router"`
	Fallbacks map[string][]string `yaml:"fallbacks"`
	ModelList []ModelEntry        `yaml:"model_list"`
	Cache     CacheConfig         `yaml:"cache"`
	Logging   LoggingConfig       `yaml:"logging"`

	// Warnings collects non-fatal problems found while parsing, such as
	// unknown fields. The loader logs them; they never fail the load.
	Warnings []string `yaml:"-"`
}

// RouterConfig contains router-level settings.
type RouterConfig struct {
	Strategy           string        `yaml:"routing_strategy"`
	NumRetries         int           `yaml:"num_retries"`
	Timeout            time.Duration `yaml:"timeout"`
	RetryAfterCap      time.Duration `yaml:"retry_after_cap"`
	AllowedFails       int           `yaml:"allowed_fails"`
	AllowedFailsWindow time.Duration `yaml:"allowed_fails_window"`
	CooldownTime       time.Duration `yaml:"cooldown_time"`
	LatencyBuffer      float64       `yaml:"latency_buffer"`
}

// ModelEntry declares one deployment inside a model group.
type ModelEntry struct {
	ModelName string      `yaml:"model_name"`
	ID        string      `yaml:"id"`
	Params    ModelParams `yaml:"params"`
	Tags      []string    `yaml:"tags"`
}

// ModelParams are the per-deployment provider and limit settings.
type ModelParams struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	BaseModel  string `yaml:"base_model"`
	APIKey     string `yaml:"api_key"`
	APIBase    string `yaml:"api_base"`
	APIVersion string `yaml:"api_version"`
	Region     string `yaml:"region"`

	RPM                 int64         `yaml:"rpm"`
	TPM                 int64         `yaml:"tpm"`
	Weight              float64       `yaml:"weight"`
	MaxParallelRequests int           `yaml:"max_parallel_requests"`
	MaxInputTokens      int           `yaml:"max_input_tokens"`
	MaxOutputTokens     int           `yaml:"max_output_tokens"`
	AllowedRegions      []string      `yaml:"allowed_regions"`
	Timeout             time.Duration `yaml:"timeout"`
	StreamTimeout       time.Duration `yaml:"stream_timeout"`

	// NumRetries accepts both an integer and a quoted string; operator
	// configs frequently carry "6" where 6 is meant.
	NumRetries *IntOrString `yaml:"num_retries"`

	MockResponse string `yaml:"mock_response"`
	MockTimeout  bool   `yaml:"mock_timeout"`
}

// CacheConfig selects and configures the counter/value store.
type CacheConfig struct {
	Type      string        `yaml:"type"` // local, redis, dual
	URL       string        `yaml:"url"`
	Addrs     []string      `yaml:"addrs"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Namespace string        `yaml:"namespace"`
	TTL       time.Duration `yaml:"ttl"`
	LocalTTL  time.Duration `yaml:"local_ttl"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// IntOrString is an int that also unmarshals from a YAML string.
type IntOrString int

// UnmarshalYAML accepts 6 and "6" alike.
func (n *IntOrString) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*n = IntOrString(v)
	case string:
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("num_retries: cannot parse %q as integer", v)
		}
		*n = IntOrString(parsed)
	default:
		return fmt.Errorf("num_retries: unsupported type %T", raw)
	}
	return nil
}

// Int returns the value, or nil when unset.
func (n *IntOrString) Int() *int {
	if n == nil {
		return nil
	}
	v := int(*n)
	return &v
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Router: RouterConfig{
			Strategy:           string(router.StrategySimpleShuffle),
			NumRetries:         2,
			Timeout:            600 * time.Second,
			RetryAfterCap:      60 * time.Second,
			AllowedFails:       3,
			AllowedFailsWindow: 60 * time.Second,
			CooldownTime:       time.Second,
			LatencyBuffer:      0.1,
		},
		Cache: CacheConfig{
			Type: "local",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file. Environment
// variables in the format ${VAR_NAME} are expanded before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes and validates raw YAML. The field set is closed: unknown
// fields are dropped with a warning rather than silently ignored, so a
// typo like "strema_timeout" surfaces in the logs.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		warnings, hardErr := splitUnknownFields(err)
		if hardErr != nil {
			return nil, fmt.Errorf("parse config: %w", hardErr)
		}
		cfg.Warnings = warnings
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// splitUnknownFields separates unknown-field complaints, which are
// warnings, from genuine decode errors. The decoder still populates every
// known field before reporting a TypeError, so a warnings-only result
// leaves the config intact.
func splitUnknownFields(err error) ([]string, error) {
	var typeErr *yaml.TypeError
	if !errors.As(err, &typeErr) {
		return nil, err
	}
	var warnings, hard []string
	for _, msg := range typeErr.Errors {
		if strings.Contains(msg, "not found in type") {
			warnings = append(warnings, "unknown field: "+msg)
		} else {
			hard = append(hard, msg)
		}
	}
	if len(hard) > 0 {
		return nil, &yaml.TypeError{Errors: hard}
	}
	return warnings, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.ModelList) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}

	for i, entry := range c.ModelList {
		if entry.ModelName == "" {
			return fmt.Errorf("model_list[%d]: model_name is required", i)
		}
		if entry.Params.Provider == "" {
			return fmt.Errorf("model_list[%d] %q: provider is required", i, entry.ModelName)
		}
		// Misspelled providers fail here, not at the first request.
		if _, err := providers.Get(entry.Params.Provider); err != nil {
			return fmt.Errorf("model_list[%d] %q: %w", i, entry.ModelName, err)
		}
		if entry.Params.Model == "" {
			return fmt.Errorf("model_list[%d] %q: model is required", i, entry.ModelName)
		}
		if entry.Params.Timeout < 0 {
			return fmt.Errorf("model_list[%d] %q: timeout cannot be negative", i, entry.ModelName)
		}
		if entry.Params.MaxParallelRequests < 0 {
			return fmt.Errorf("model_list[%d] %q: max_parallel_requests cannot be negative", i, entry.ModelName)
		}
	}

	if c.Router.NumRetries < 0 {
		return fmt.Errorf("router.num_retries cannot be negative")
	}
	if c.Router.CooldownTime < 0 {
		return fmt.Errorf("router.cooldown_time cannot be negative")
	}

	switch c.Cache.Type {
	case "", "local", "redis", "dual":
	default:
		return fmt.Errorf("cache.type must be local, redis, or dual, got %q", c.Cache.Type)
	}
	return nil
}

// RouterConfigFor maps the YAML settings onto the router configuration.
func (c *Config) RouterConfigFor() router.Config {
	rc := router.DefaultConfig()
	if c.Router.Strategy != "" {
		rc.Strategy = router.Strategy(c.Router.Strategy)
	}
	rc.NumRetries = c.Router.NumRetries
	if c.Router.Timeout > 0 {
		rc.Timeout = c.Router.Timeout
	}
	if c.Router.RetryAfterCap > 0 {
		rc.RetryAfterCap = c.Router.RetryAfterCap
	}
	if c.Router.AllowedFails > 0 {
		rc.AllowedFails = c.Router.AllowedFails
	}
	if c.Router.CooldownTime > 0 {
		rc.CooldownTime = c.Router.CooldownTime
	}
	if c.Router.LatencyBuffer > 0 {
		rc.LatencyBuffer = c.Router.LatencyBuffer
	}
	rc.Fallbacks = c.Fallbacks
	return rc
}

// Deployments converts the model list into deployment descriptors.
func (c *Config) Deployments() []*provider.Deployment {
	out := make([]*provider.Deployment, 0, len(c.ModelList))
	for _, entry := range c.ModelList {
		out = append(out, entry.Deployment())
	}
	return out
}

// Deployment converts one model entry.
func (e *ModelEntry) Deployment() *provider.Deployment {
	creds := provider.Credentials{}
	if e.Params.APIKey != "" {
		creds[provider.CredAPIKey] = e.Params.APIKey
	}
	if e.Params.APIBase != "" {
		creds[provider.CredAPIBase] = e.Params.APIBase
	}
	if e.Params.APIVersion != "" {
		creds[provider.CredAPIVersion] = e.Params.APIVersion
	}
	if e.Params.Region != "" {
		creds[provider.CredRegion] = e.Params.Region
	}

	return &provider.Deployment{
		ID:            e.ID,
		ModelName:     e.ModelName,
		Provider:      e.Params.Provider,
		UpstreamModel: e.Params.Model,
		BaseModel:     e.Params.BaseModel,
		Credentials:   creds,
		Limits: provider.Limits{
			RPM:                 e.Params.RPM,
			TPM:                 e.Params.TPM,
			Weight:              e.Params.Weight,
			MaxParallelRequests: e.Params.MaxParallelRequests,
			MaxInputTokens:      e.Params.MaxInputTokens,
			MaxOutputTokens:     e.Params.MaxOutputTokens,
			AllowedRegions:      e.Params.AllowedRegions,
			Timeout:             e.Params.Timeout,
			StreamTimeout:       e.Params.StreamTimeout,
			NumRetries:          e.Params.NumRetries.Int(),
		},
		Tags:         e.Tags,
		MockResponse: e.Params.MockResponse,
		MockTimeout:  e.Params.MockTimeout,
	}
}

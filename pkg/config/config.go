package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "PROMPTOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultResultsDir is the default directory for run summaries and the store file.
	DefaultResultsDir = "./results"

	// DefaultStoreFile is the store file name inside the results directory.
	DefaultStoreFile = "storage.jsonl"

	// DefaultPromptsFile is the default test case file.
	DefaultPromptsFile = "prompts.yaml"

	// DefaultRequestTimeout bounds a single provider call.
	DefaultRequestTimeout = 2 * time.Minute

	// DefaultGraderModel is the model used for delegated grading.
	DefaultGraderModel = "gpt-4o"

	// DefaultGraderPlaceholder is replaced by the reply in follow-up prompts.
	DefaultGraderPlaceholder = "{answer}"

	// DefaultGraderCountField is the grader reply field holding the score.
	DefaultGraderCountField = "correct_count"
)

// Store drivers.
const (
	StoreDriverJSONL    = "jsonl"
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
)

// Provider types.
const (
	ProviderTypeOpenAI = "openai"
	ProviderTypeGemini = "gemini"
	ProviderTypeEcho   = "echo"
)

// ErrConfiguration marks fatal configuration problems: bad CLI tokens,
// missing prompt or model files, invalid settings.
var ErrConfiguration = errors.New("configuration error")

// Config is the root configuration for promptoor.
type Config struct {
	Global        GlobalConfig              `yaml:"global" mapstructure:"global"`
	Store         StoreConfig               `yaml:"store" mapstructure:"store"`
	Runner        RunnerConfig              `yaml:"runner" mapstructure:"runner"`
	Grader        GraderConfig              `yaml:"grader" mapstructure:"grader"`
	Suite         SuiteConfig               `yaml:"suite" mapstructure:"suite"`
	Providers     map[string]ProviderConfig `yaml:"providers" mapstructure:"providers" validate:"dive"`
	Models        []ModelConfig             `yaml:"models" mapstructure:"models" validate:"dive"`
	ResultsUpload *ResultsUploadConfig      `yaml:"results_upload,omitempty" mapstructure:"results_upload"`
	API           *APIConfig                `yaml:"api,omitempty" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel     string `yaml:"log_level" mapstructure:"log_level"`
	ResultsDir   string `yaml:"results_dir" mapstructure:"results_dir"`
	ResultsOwner string `yaml:"results_owner,omitempty" mapstructure:"results_owner"`
}

// StoreConfig selects and configures the result store backend.
type StoreConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver" validate:"oneof=jsonl sqlite postgres"`
	Path     string         `yaml:"path" mapstructure:"path"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// RunnerConfig controls job execution.
type RunnerConfig struct {
	Passes           int           `yaml:"passes" mapstructure:"passes" validate:"min=1"`
	Concurrency      int           `yaml:"concurrency" mapstructure:"concurrency" validate:"min=1"`
	RequestTimeout   time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	RetryRateLimited bool          `yaml:"retry_rate_limited" mapstructure:"retry_rate_limited"`
	IncludeVisual    bool          `yaml:"include_visual" mapstructure:"include_visual"`
	Temperature      float64       `yaml:"temperature" mapstructure:"temperature" validate:"gte=0,lte=2"`
}

// GraderConfig configures delegated grading.
type GraderConfig struct {
	// Provider defaults to the provider of the configured model named Model.
	Provider    string `yaml:"provider,omitempty" mapstructure:"provider"`
	Model       string `yaml:"model" mapstructure:"model"`
	Placeholder string `yaml:"placeholder" mapstructure:"placeholder"`
	CountField  string `yaml:"count_field" mapstructure:"count_field"`
}

// SuiteConfig points at the test case and model definition files.
type SuiteConfig struct {
	PromptsFile string `yaml:"prompts_file" mapstructure:"prompts_file"`
	ModelsFile  string `yaml:"models_file,omitempty" mapstructure:"models_file"`
}

// ProviderConfig configures one provider endpoint.
type ProviderConfig struct {
	Type      string `yaml:"type" mapstructure:"type" validate:"oneof=openai gemini echo"`
	BaseURL   string `yaml:"base_url,omitempty" mapstructure:"base_url"`
	APIKey    string `yaml:"api_key,omitempty" mapstructure:"api_key"`
	APIKeyEnv string `yaml:"api_key_env,omitempty" mapstructure:"api_key_env"`
	// MaxResponseSize caps the reply body, e.g. "4MB".
	MaxResponseSize string `yaml:"max_response_size,omitempty" mapstructure:"max_response_size"`
}

// ResolveAPIKey returns the configured key, falling back to the named env var.
func (p *ProviderConfig) ResolveAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}

	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}

	return ""
}

// ModelConfig defines a model under test.
type ModelConfig struct {
	Name     string `yaml:"name" mapstructure:"name" validate:"required"`
	Provider string `yaml:"provider" mapstructure:"provider" validate:"required"`
	// Model is the upstream model id; defaults to Name.
	Model             string             `yaml:"model,omitempty" mapstructure:"model"`
	Capabilities      CapabilitiesConfig `yaml:"capabilities,omitempty" mapstructure:"capabilities"`
	RequestsPerMinute int                `yaml:"requests_per_minute,omitempty" mapstructure:"requests_per_minute" validate:"gte=0"`
}

// UpstreamModel returns the model id sent to the provider.
func (m *ModelConfig) UpstreamModel() string {
	if m.Model != "" {
		return m.Model
	}

	return m.Name
}

// CapabilitiesConfig lists optional model capabilities. Unset means supported.
type CapabilitiesConfig struct {
	Images *bool `yaml:"images,omitempty" mapstructure:"images"`
	JSON   *bool `yaml:"json,omitempty" mapstructure:"json"`
}

// SupportsImages reports whether image attachments may be sent.
func (c CapabilitiesConfig) SupportsImages() bool {
	return c.Images == nil || *c.Images
}

// SupportsJSON reports whether structured output may be requested.
func (c CapabilitiesConfig) SupportsJSON() bool {
	return c.JSON == nil || *c.JSON
}

// ResultsUploadConfig contains settings for uploading results.
type ResultsUploadConfig struct {
	S3 *S3UploadConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3UploadConfig contains S3-compatible storage settings.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
}

// Load reads one or more configuration files (later files override earlier
// ones), applies PROMPTOOR_* environment overrides and defaults.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("%w: reading config file %s: %w", ErrConfiguration, path, err)
		}
	}

	var cfg Config
	if err := decode(v.AllSettings(), &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config: %w", ErrConfiguration, err)
	}

	if cfg.Suite.ModelsFile != "" {
		models, err := LoadModels(cfg.Suite.ModelsFile)
		if err != nil {
			return nil, err
		}

		cfg.Models = append(cfg.Models, models...)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// LoadModels reads a YAML list of model definitions.
func LoadModels(path string) ([]ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading models file: %w", ErrConfiguration, err)
	}

	var models []ModelConfig
	if err := yaml.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("%w: parsing models file: %w", ErrConfiguration, err)
	}

	return models, nil
}

// setDefaults registers every scalar key so env overrides apply even when
// the key is absent from the config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("global.results_dir", DefaultResultsDir)
	v.SetDefault("global.results_owner", "")
	v.SetDefault("store.driver", StoreDriverJSONL)
	v.SetDefault("store.path", "")
	v.SetDefault("runner.passes", 1)
	v.SetDefault("runner.concurrency", 1)
	v.SetDefault("runner.request_timeout", DefaultRequestTimeout.String())
	v.SetDefault("runner.retry_rate_limited", false)
	v.SetDefault("runner.include_visual", false)
	v.SetDefault("runner.temperature", 0.0)
	v.SetDefault("grader.provider", "")
	v.SetDefault("grader.model", DefaultGraderModel)
	v.SetDefault("grader.placeholder", DefaultGraderPlaceholder)
	v.SetDefault("grader.count_field", DefaultGraderCountField)
	v.SetDefault("suite.prompts_file", DefaultPromptsFile)
	v.SetDefault("suite.models_file", "")
}

func decode(input map[string]any, out *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}

	return dec.Decode(input)
}

// applyDefaults sets values that depend on other settings.
func (c *Config) applyDefaults() {
	if c.Store.Path == "" {
		switch c.Store.Driver {
		case StoreDriverSQLite:
			c.Store.Path = strings.TrimRight(c.Global.ResultsDir, "/") + "/storage.db"
		default:
			c.Store.Path = strings.TrimRight(c.Global.ResultsDir, "/") + "/" + DefaultStoreFile
		}
	}

	if c.Store.Postgres.SSLMode == "" {
		c.Store.Postgres.SSLMode = "disable"
	}

	if c.Store.Postgres.Port == 0 {
		c.Store.Postgres.Port = 5432
	}

	if c.Runner.RequestTimeout <= 0 {
		c.Runner.RequestTimeout = DefaultRequestTimeout
	}

	if c.API != nil {
		c.API.applyDefaults()
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	if len(c.Models) == 0 {
		return fmt.Errorf("%w: at least one model must be configured", ErrConfiguration)
	}

	seen := make(map[string]struct{}, len(c.Models))

	for i, m := range c.Models {
		if _, exists := seen[m.Name]; exists {
			return fmt.Errorf("%w: model %d: duplicate name %q", ErrConfiguration, i, m.Name)
		}

		seen[m.Name] = struct{}{}

		if _, ok := c.Providers[strings.ToLower(m.Provider)]; !ok {
			return fmt.Errorf(
				"%w: model %q: unknown provider %q", ErrConfiguration, m.Name, m.Provider,
			)
		}
	}

	if c.Store.Driver == StoreDriverPostgres && c.Store.Postgres.Host == "" {
		return fmt.Errorf("%w: store.postgres.host is required for the postgres driver", ErrConfiguration)
	}

	if c.ResultsUpload != nil && c.ResultsUpload.S3 != nil && c.ResultsUpload.S3.Enabled &&
		c.ResultsUpload.S3.Bucket == "" {
		return fmt.Errorf("%w: results_upload.s3.bucket is required", ErrConfiguration)
	}

	return nil
}

// Provider returns the provider config for a model.
func (c *Config) Provider(m *ModelConfig) (ProviderConfig, bool) {
	p, ok := c.Providers[strings.ToLower(m.Provider)]

	return p, ok
}

// GraderProvider returns the provider name used for delegated grading.
func (c *Config) GraderProvider() (string, bool) {
	if c.Grader.Provider != "" {
		return strings.ToLower(c.Grader.Provider), true
	}

	if m, ok := c.Model(c.Grader.Model); ok {
		return strings.ToLower(m.Provider), true
	}

	return "", false
}

// Model returns the model config with the given name.
func (c *Config) Model(name string) (*ModelConfig, bool) {
	for i := range c.Models {
		if c.Models[i].Name == name {
			return &c.Models[i], true
		}
	}

	return nil, false
}

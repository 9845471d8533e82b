// Package config loads ecotask settings from flags, the environment, an
// optional YAML file and a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/chriskillpack/ecotask/agent"
	"github.com/chriskillpack/ecotask/conversation"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	BackendOpenAI = "openai"
	BackendLlama  = "llama"
)

type Config struct {
	Host string
	Port int
	DB   string // empty disables history

	Backend string

	OpenAIKey         string
	OpenAIBaseURL     string
	RequestsPerMinute int
	MaxRetries        int

	LlamaServer string
	LlamaSeed   int
	LlamaStream bool

	ModelTimeout time.Duration
	CreatePolicy conversation.SpeakerPolicy
	Models       agent.Models

	LogLevel  logrus.Level
	LogFormat string // "json" or "text"
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8000)
	v.SetDefault("db", "")
	v.SetDefault("backend", BackendOpenAI)
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.requests_per_minute", 20)
	v.SetDefault("openai.max_retries", 0)
	v.SetDefault("llama.server", "")
	v.SetDefault("llama.seed", 385480504)
	v.SetDefault("llama.stream", false)
	v.SetDefault("model_timeout", 60*time.Second)
	v.SetDefault("create_policy", "auto")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	d := agent.DefaultModels()
	v.SetDefault("models.task_creator", d.TaskCreator)
	v.SetDefault("models.task_rater", d.TaskRater)
	v.SetDefault("models.validator", d.Validator)
	v.SetDefault("models.photo", d.Photo)
	v.SetDefault("models.selector", d.Selector)
}

// New returns a viper instance wired to ECOTASK_* environment variables, with
// OPENAI_API_KEY accepted for the API key.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("ecotask")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	v.BindEnv("openai.api_key", "ECOTASK_OPENAI_API_KEY", "OPENAI_API_KEY")

	return v
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored, variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// ReadFile merges the YAML config file at path into v. An empty path is a
// no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Host:              v.GetString("host"),
		Port:              v.GetInt("port"),
		DB:                v.GetString("db"),
		Backend:           strings.ToLower(v.GetString("backend")),
		OpenAIKey:         v.GetString("openai.api_key"),
		OpenAIBaseURL:     v.GetString("openai.base_url"),
		RequestsPerMinute: v.GetInt("openai.requests_per_minute"),
		MaxRetries:        v.GetInt("openai.max_retries"),
		LlamaServer:       v.GetString("llama.server"),
		LlamaSeed:         v.GetInt("llama.seed"),
		LlamaStream:       v.GetBool("llama.stream"),
		ModelTimeout:      v.GetDuration("model_timeout"),
		LogFormat:         strings.ToLower(v.GetString("log.format")),
		Models: agent.Models{
			TaskCreator: v.GetString("models.task_creator"),
			TaskRater:   v.GetString("models.task_rater"),
			Validator:   v.GetString("models.validator"),
			Photo:       v.GetString("models.photo"),
			Selector:    v.GetString("models.selector"),
		},
	}

	var err error
	if cfg.CreatePolicy, err = conversation.ParseSpeakerPolicy(v.GetString("create_policy")); err != nil {
		return nil, err
	}
	if cfg.LogLevel, err = logrus.ParseLevel(v.GetString("log.level")); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Backend {
	case BackendOpenAI:
	case BackendLlama:
		if c.LlamaServer == "" {
			errs = append(errs, errors.New("llama backend needs llama.server"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("openai.requests_per_minute must not be negative"))
	}
	if c.ModelTimeout < 0 {
		errs = append(errs, errors.New("model_timeout must not be negative"))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// NewLogger returns a logrus logger configured from c.
func (c *Config) NewLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(c.LogLevel)
	if c.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

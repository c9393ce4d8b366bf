// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package config reads the agent's settings from the environment. A .env
// file, when present, is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	RendererNative    = "native"
	RendererContainer = "container"
)

// DefaultAllowedOrigins are the chat front ends allowed to call the agent
// from a browser when CORS_ALLOWED_ORIGINS is unset.
var DefaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:3001",
	"http://localhost:3002",
	"https://telex.im",
	"https://staging.telex.im",
}

type Config struct {
	APIPort       string
	PublicBaseURL string

	// Dispatch
	ConversionThreshold  int
	AdoptUnknownContexts bool
	AllowedOrigins       []string

	// Webhook delivery
	WebhookTimeout          time.Duration
	WebhookCredentialHeader string

	// Language model collaborators
	OllamaModel           string
	ClassifierMaxTokens   int
	ResponderMaxTokens    int
	ResponderHistoryTurns int
	PromptsFile           string

	// Document rendering
	Renderer             string
	ContainerImage       string
	ContainerMemoryMB    int64
	ContainerCPULimit    float64
	ContainerIdleTimeout time.Duration

	// Document storage; Postgres is used when DBHost is set.
	DBUser     string
	DBPassword string
	DBName     string
	DBHost     string
	DBPort     string
	DBSSLMode  string

	OTLPEndpoint    string
	ShutdownTimeout time.Duration
}

// LoadEnvFile loads a .env file into the process environment without
// overriding variables that are already set. A missing file is only an
// error when required is true.
func LoadEnvFile(path string, required bool) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) && !required {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", path, err)
}

// FromEnv parses the process environment.
func FromEnv() (Config, error) {
	return Parse(os.LookupEnv)
}

// Parse builds a Config from a lookup function, applying defaults for
// unset keys.
func Parse(lookup func(string) (string, bool)) (Config, error) {
	p := parser{lookup: lookup}

	cfg := Config{
		APIPort:                 p.str("API_PORT", "8080"),
		ConversionThreshold:     p.integer("CONVERSION_THRESHOLD", 300),
		AdoptUnknownContexts:    p.boolean("ADOPT_UNKNOWN_CONTEXTS", false),
		AllowedOrigins:          p.list("CORS_ALLOWED_ORIGINS", DefaultAllowedOrigins),
		WebhookTimeout:          p.duration("WEBHOOK_TIMEOUT", 15*time.Second),
		WebhookCredentialHeader: p.str("WEBHOOK_CREDENTIAL_HEADER", "X-TELEX-API-KEY"),
		OllamaModel:             p.str("OLLAMA_MODEL", "llama3.2"),
		ClassifierMaxTokens:     p.integer("CLASSIFIER_MAX_TOKENS", 50),
		ResponderMaxTokens:      p.integer("RESPONDER_MAX_TOKENS", 300),
		ResponderHistoryTurns:   p.integer("RESPONDER_HISTORY_TURNS", 6),
		PromptsFile:             p.str("PROMPTS_FILE", ""),
		Renderer:                strings.ToLower(p.str("RENDERER", RendererNative)),
		ContainerImage:          p.str("CONTAINER_IMAGE", "pandoc/latex"),
		ContainerMemoryMB:       int64(p.integer("CONTAINER_MEMORY_MB", 512)),
		ContainerCPULimit:       p.float("CONTAINER_CPU_LIMIT", 0.5),
		ContainerIdleTimeout:    p.duration("CONTAINER_IDLE_TIMEOUT", 5*time.Minute),
		DBUser:                  p.str("DB_USER", ""),
		DBPassword:              p.str("DB_PASSWORD", ""),
		DBName:                  p.str("DB_NAME", ""),
		DBHost:                  p.str("DB_HOST", ""),
		DBPort:                  p.str("DB_PORT", "5432"),
		DBSSLMode:               p.str("DB_SSLMODE", "require"),
		OTLPEndpoint:            p.str("OTLP_ENDPOINT", ""),
		ShutdownTimeout:         p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	cfg.PublicBaseURL = strings.TrimRight(p.str("PUBLIC_BASE_URL", "http://localhost:"+cfg.APIPort), "/")

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the agent cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ConversionThreshold <= 0 {
		errs = append(errs, fmt.Errorf("CONVERSION_THRESHOLD must be positive, got %d", c.ConversionThreshold))
	}
	if c.WebhookTimeout <= 0 {
		errs = append(errs, fmt.Errorf("WEBHOOK_TIMEOUT must be positive, got %s", c.WebhookTimeout))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout))
	}
	if c.Renderer != RendererNative && c.Renderer != RendererContainer {
		errs = append(errs, fmt.Errorf("RENDERER must be %q or %q, got %q", RendererNative, RendererContainer, c.Renderer))
	}
	if c.APIPort == "" {
		errs = append(errs, errors.New("API_PORT must not be empty"))
	}
	return errors.Join(errs...)
}

// PostgresDSN returns the lib/pq connection string, or "" when no database
// is configured.
func (c Config) PostgresDSN() string {
	if c.DBHost == "" {
		return ""
	}
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		c.DBUser, c.DBPassword, c.DBName, c.DBHost, c.DBPort, c.DBSSLMode)
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v, ok := p.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) float(key string, def float64) float64 {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) boolean(key string, def bool) bool {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) list(key string, def []string) []string {
	if p.str(key, "") == "" {
		return append([]string(nil), def...)
	}
	var out []string
	for _, item := range strings.Split(p.str(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

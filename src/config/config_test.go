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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(t *testing.T, dotenv string) func(string) (string, bool) {
	t.Helper()
	env, err := godotenv.Unmarshal(dotenv)
	require.NoError(t, err)
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(lookupFrom(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.APIPort)
	assert.Equal(t, "http://localhost:8080", cfg.PublicBaseURL)
	assert.Equal(t, 300, cfg.ConversionThreshold)
	assert.Equal(t, 15*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, "X-TELEX-API-KEY", cfg.WebhookCredentialHeader)
	assert.Equal(t, RendererNative, cfg.Renderer)
	assert.Equal(t, 5*time.Minute, cfg.ContainerIdleTimeout)
	assert.False(t, cfg.AdoptUnknownContexts)
	assert.Empty(t, cfg.PostgresDSN())
	assert.Equal(t, DefaultAllowedOrigins, cfg.AllowedOrigins)
	assert.Contains(t, cfg.AllowedOrigins, "https://telex.im")
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse(lookupFrom(t, `
API_PORT=9090
PUBLIC_BASE_URL=https://agent.example.com/
CONVERSION_THRESHOLD=50
ADOPT_UNKNOWN_CONTEXTS=true
CORS_ALLOWED_ORIGINS=https://telex.im, https://staging.telex.im,,
RENDERER=Container
CONTAINER_CPU_LIMIT=1.5
DB_HOST=db
DB_USER=agent
DB_PASSWORD=secret
DB_NAME=documents
`))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.APIPort)
	assert.Equal(t, "https://agent.example.com", cfg.PublicBaseURL)
	assert.Equal(t, 50, cfg.ConversionThreshold)
	assert.True(t, cfg.AdoptUnknownContexts)
	assert.Equal(t, []string{"https://telex.im", "https://staging.telex.im"}, cfg.AllowedOrigins)
	assert.Equal(t, RendererContainer, cfg.Renderer)
	assert.InDelta(t, 1.5, cfg.ContainerCPULimit, 0.0001)
	assert.Equal(t, "user=agent password=secret dbname=documents host=db port=5432 sslmode=require", cfg.PostgresDSN())
}

func TestParse_RejectsBadValues(t *testing.T) {
	_, err := Parse(lookupFrom(t, "CONVERSION_THRESHOLD=abc\nWEBHOOK_TIMEOUT=soon"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONVERSION_THRESHOLD")
	assert.Contains(t, err.Error(), "WEBHOOK_TIMEOUT")

	_, err = Parse(lookupFrom(t, "CONVERSION_THRESHOLD=0"))
	assert.ErrorContains(t, err, "must be positive")

	_, err = Parse(lookupFrom(t, "RENDERER=latex"))
	assert.ErrorContains(t, err, "RENDERER")
}

func TestLoadEnvFile(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env"), false))
	assert.Error(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env"), true))

	path := filepath.Join(t.TempDir(), "agent.env")
	require.NoError(t, os.WriteFile(path, []byte("DOCAGENT_TEST_KEY=from-file\n"), 0o600))
	t.Setenv("DOCAGENT_TEST_KEY", "")
	os.Unsetenv("DOCAGENT_TEST_KEY")

	require.NoError(t, LoadEnvFile(path, true))
	assert.Equal(t, "from-file", os.Getenv("DOCAGENT_TEST_KEY"))
}

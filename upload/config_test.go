package upload

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transcribe-hub/go-upload/upload/network/chunkuploader"
)

func TestNewConfig_Defaults(t *testing.T) {
	config, err := NewConfig(fakeEnvRepo{envVars: map[string]string{}}, "")

	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), config)
	assert.Equal(t, "http://localhost:3000/api/v1", config.APIBaseURL)
	assert.Equal(t, int64(3*units.GiB), config.MaxFileSize)
	assert.Equal(t, 1, config.Chunk.Concurrency)
}

func TestNewConfig_FromEnv(t *testing.T) {
	envRepo := fakeEnvRepo{envVars: map[string]string{
		EnvAPIURL:       "https://api.example.com/api/v1/",
		EnvAccessToken:  "top-secret",
		EnvConcurrency:  "4",
		EnvMaxSessions:  "2",
		EnvMaxRetry:     "5",
		EnvChunkTimeout: "90s",
		EnvMaxFileSize:  "512MB",
		EnvVerbose:      "true",
		EnvAnalytics:    "false",
	}}

	config, err := NewConfig(envRepo, "")

	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/api/v1", config.APIBaseURL)
	assert.Equal(t, Secret("top-secret"), config.AccessToken)
	assert.Equal(t, 4, config.Chunk.Concurrency)
	assert.Equal(t, 2, config.MaxActiveSessions)
	assert.Equal(t, 5, config.Chunk.MaxRetryPerChunk)
	assert.Equal(t, 90*time.Second, config.Chunk.ChunkTimeout)
	assert.Equal(t, int64(512*units.MiB), config.MaxFileSize)
	assert.True(t, config.Verbose)
	assert.False(t, config.Analytics)
}

func TestNewConfig_AutoConcurrency(t *testing.T) {
	config, err := NewConfig(fakeEnvRepo{envVars: map[string]string{EnvConcurrency: "auto"}}, "")

	require.NoError(t, err)
	assert.Equal(t, chunkuploader.DefaultConcurrency(), config.Chunk.Concurrency)
}

func TestNewConfig_FileIsOverriddenByEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload.yml")
	content := `api_url: https://file.example.com
access_token: from-file
max_sessions: "4"
max_file_size: 1GB
chunk_timeout: 2m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	envRepo := fakeEnvRepo{envVars: map[string]string{EnvAccessToken: "from-env"}}

	config, err := NewConfig(envRepo, path)

	require.NoError(t, err)
	assert.Equal(t, "https://file.example.com", config.APIBaseURL)
	assert.Equal(t, Secret("from-env"), config.AccessToken)
	assert.Equal(t, 4, config.MaxActiveSessions)
	assert.Equal(t, int64(units.GiB), config.MaxFileSize)
	assert.Equal(t, 2*time.Minute, config.Chunk.ChunkTimeout)
}

func TestNewConfig_Errors(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{key: EnvConcurrency, value: "many"},
		{key: EnvConcurrency, value: "0"},
		{key: EnvMaxSessions, value: "-1"},
		{key: EnvMaxRetry, value: "x"},
		{key: EnvChunkTimeout, value: "10"},
		{key: EnvMaxFileSize, value: "huge"},
		{key: EnvVerbose, value: "maybe"},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s=%s", tc.key, tc.value), func(t *testing.T) {
			_, err := NewConfig(fakeEnvRepo{envVars: map[string]string{tc.key: tc.value}}, "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.key)
		})
	}

	_, err := NewConfig(fakeEnvRepo{envVars: map[string]string{}}, filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestSecret_String(t *testing.T) {
	assert.Equal(t, "*****", Secret("token").String())
	assert.Equal(t, "", Secret("").String())
	assert.Equal(t, "token: *****", fmt.Sprintf("token: %s", Secret("token")))
}

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, name := range []string{
		envMaxParallelToolCalls, envMaxAgentCycles, envIMAPMaxConcurrency,
		envMongoDatabase, envToolServersFile, envDebug,
	} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, 5, cfg.MaxParallelToolCalls)
	require.Equal(t, 10, cfg.MaxAgentCycles)
	require.Equal(t, 2, cfg.IMAPMaxConcurrency)
	require.Equal(t, "pipevine", cfg.MongoDatabase)
	require.Equal(t, "tool_servers.yaml", cfg.ToolServersFile)
	require.False(t, cfg.Debug)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv(envMaxParallelToolCalls, "3")
	t.Setenv(envMaxAgentCycles, "20")
	t.Setenv(envIMAPMaxConcurrency, "4")
	t.Setenv(envMongoDatabase, "workflows")
	t.Setenv(envToolServersFile, "servers.yaml")
	t.Setenv(envDebug, "1")

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, 3, cfg.MaxParallelToolCalls)
	require.Equal(t, 20, cfg.MaxAgentCycles)
	require.Equal(t, 4, cfg.IMAPMaxConcurrency)
	require.Equal(t, "workflows", cfg.MongoDatabase)
	require.Equal(t, "servers.yaml", cfg.ToolServersFile)
	require.True(t, cfg.Debug)
}

func TestLoadConfigRejectsBadInteger(t *testing.T) {
	t.Setenv(envMaxAgentCycles, "lots")
	_, err := loadConfig()
	require.ErrorContains(t, err, `invalid integer "lots"`)
}

func TestLoadConfigRejectsZeroIMAPConcurrency(t *testing.T) {
	t.Setenv(envIMAPMaxConcurrency, "0")
	_, err := loadConfig()
	require.ErrorContains(t, err, "must be at least 1")
}

func TestIntEnv(t *testing.T) {
	t.Setenv("PIPEVINE_TEST_INT", "")
	os.Unsetenv("PIPEVINE_TEST_INT")
	n, err := intEnv("PIPEVINE_TEST_INT", 7)
	require.NoError(t, err)
	require.Equal(t, 7, n)

	t.Setenv("PIPEVINE_TEST_INT", "42")
	n, err = intEnv("PIPEVINE_TEST_INT", 7)
	require.NoError(t, err)
	require.Equal(t, 42, n)
}

func TestLoadToolServers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	data := `servers:
  - name: search
    endpoint: http://localhost:9010/mcp
  - name: email
    endpoint: http://localhost:9011/mcp
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	servers, err := loadToolServers(path)
	require.NoError(t, err)
	require.Equal(t, []toolServerConfig{
		{Name: "search", Endpoint: "http://localhost:9010/mcp"},
		{Name: "email", Endpoint: "http://localhost:9011/mcp"},
	}, servers)
}

func TestLoadToolServersMissingFileIsEmpty(t *testing.T) {
	servers, err := loadToolServers(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Nil(t, servers)
}

func TestLoadToolServersRejectsBlankFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("servers:\n  - name: search\n"), 0o600))

	_, err := loadToolServers(path)
	require.ErrorContains(t, err, "every server needs a name and an endpoint")
}

func TestLoadToolServersRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("servers: ["), 0o600))

	_, err := loadToolServers(path)
	require.ErrorContains(t, err, "parse tool servers file")
}

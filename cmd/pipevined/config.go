package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	envMaxParallelToolCalls = "WORKFLOW_AGENT_MAX_PARALLEL_TOOL_CALLS"
	envMaxAgentCycles       = "MAX_AGENT_CYCLES"
	envIMAPMaxConcurrency   = "IMAP_MAX_CONCURRENCY_PER_USER"
	envOpenRouterAPIKey     = "OPENROUTER_API_KEY"
	envAnthropicAPIKey      = "ANTHROPIC_API_KEY"
	envMongoURI             = "MONGO_URI"
	envMongoDatabase        = "MONGO_DATABASE"
	envRedisURL             = "REDIS_URL"
	envToolServersFile      = "TOOL_SERVERS_FILE"
	envHumanInputTool       = "HUMAN_INPUT_TOOL"
	envDebug                = "DEBUG"
)

type (
	// config carries every environment-derived setting.
	config struct {
		MaxParallelToolCalls int
		MaxAgentCycles       int
		IMAPMaxConcurrency   int
		OpenRouterAPIKey     string
		AnthropicAPIKey      string
		MongoURI             string
		MongoDatabase        string
		RedisURL             string
		ToolServersFile      string
		HumanInputTool       string
		Debug                bool
	}

	// toolServerConfig is one entry of the tool-server registry file.
	toolServerConfig struct {
		Name     string `yaml:"name"`
		Endpoint string `yaml:"endpoint"`
	}

	toolServersFile struct {
		Servers []toolServerConfig `yaml:"servers"`
	}
)

func loadConfig() (*config, error) {
	cfg := &config{
		MaxParallelToolCalls: 5,
		MaxAgentCycles:       10,
		IMAPMaxConcurrency:   2,
		MongoDatabase:        "pipevine",
		ToolServersFile:      "tool_servers.yaml",
		OpenRouterAPIKey:     os.Getenv(envOpenRouterAPIKey),
		AnthropicAPIKey:      os.Getenv(envAnthropicAPIKey),
		MongoURI:             os.Getenv(envMongoURI),
		RedisURL:             os.Getenv(envRedisURL),
		HumanInputTool:       os.Getenv(envHumanInputTool),
		Debug:                os.Getenv(envDebug) != "",
	}
	var err error
	if cfg.MaxParallelToolCalls, err = intEnv(envMaxParallelToolCalls, cfg.MaxParallelToolCalls); err != nil {
		return nil, err
	}
	if cfg.MaxAgentCycles, err = intEnv(envMaxAgentCycles, cfg.MaxAgentCycles); err != nil {
		return nil, err
	}
	if cfg.IMAPMaxConcurrency, err = intEnv(envIMAPMaxConcurrency, cfg.IMAPMaxConcurrency); err != nil {
		return nil, err
	}
	if cfg.IMAPMaxConcurrency < 1 {
		return nil, fmt.Errorf("%s must be at least 1", envIMAPMaxConcurrency)
	}
	if v := os.Getenv(envMongoDatabase); v != "" {
		cfg.MongoDatabase = v
	}
	if v := os.Getenv(envToolServersFile); v != "" {
		cfg.ToolServersFile = v
	}
	return cfg, nil
}

func intEnv(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", name, v)
	}
	return n, nil
}

// loadToolServers parses the yaml registry file. A missing file yields an
// empty registry.
func loadToolServers(path string) ([]toolServerConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tool servers file: %w", err)
	}
	var file toolServersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tool servers file %s: %w", path, err)
	}
	for _, srv := range file.Servers {
		if srv.Name == "" || srv.Endpoint == "" {
			return nil, fmt.Errorf("tool servers file %s: every server needs a name and an endpoint", path)
		}
	}
	return file.Servers, nil
}

package config

import (
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AIConfig holds the settings for the agent and retrieval collaborators.
type AIConfig struct {
	AgentURL       string `yaml:"agent_url"`
	AgentModel     string `yaml:"agent_model"`
	APIKey         string `yaml:"api_key"`
	EmbeddingsURL  string `yaml:"embeddings_url"`
	EmbeddingModel string `yaml:"embedding_model"`
	DocStorePath   string `yaml:"doc_store_path"`
}

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	AI             AIConfig
}

// fileConfig is the YAML representation of a config file. Flag values
// take precedence over the file, the file over environment variables.
type fileConfig struct {
	ServerAddr     string   `yaml:"server_addr"`
	DatabaseDSN    string   `yaml:"database_dsn"`
	SigningSecret  string   `yaml:"signing_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AI             AIConfig `yaml:"ai"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		DatabaseDSN:    databaseDSN,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
	}, nil
}

// Load builds a Config from an optional YAML file plus flag overrides.
// Empty flag values fall back to the file, then to the environment.
func Load(path, serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	var fc fileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if serverAddr == "" {
		serverAddr = fc.ServerAddr
	}
	if databaseDSN == "" {
		databaseDSN = fc.DatabaseDSN
	}
	if databaseDSN == "" {
		databaseDSN = os.Getenv("GUILDHALL_DATABASE_DSN")
	}
	if base64Secret == "" {
		base64Secret = fc.SigningSecret
	}
	if base64Secret == "" {
		base64Secret = os.Getenv("GUILDHALL_SIGNING_SECRET")
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = fc.AllowedOrigins
	}

	cfg, err := NewConfig(serverAddr, databaseDSN, base64Secret, allowedOrigins)
	if err != nil {
		return nil, err
	}

	cfg.AI = fc.AI
	if cfg.AI.APIKey == "" {
		cfg.AI.APIKey = os.Getenv("GUILDHALL_AI_API_KEY")
	}
	if cfg.AI.DocStorePath == "" {
		cfg.AI.DocStorePath = "data/docstore"
	}

	return cfg, nil
}

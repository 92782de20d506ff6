package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Server is the chatd configuration, read from the environment.
type Server struct {
	Port      string
	RedisURL  string
	JWTSecret string
	Issuer    string
	LogLevel  string
}

func LoadServer() *Server {
	return &Server{
		Port:      getEnv("PORT", "8080"),
		RedisURL:  getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret: getEnv("JWT_SECRET", ""),
		Issuer:    getEnv("JWT_ISSUER", "chatsync"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
	}
}

// Client is the chatctl configuration, read from a YAML file. Zero fields
// fall back to local defaults.
type Client struct {
	ServerURL string `yaml:"serverUrl"`
	BridgeURL string `yaml:"bridgeUrl"`
	TokenFile string `yaml:"tokenFile"`
	Email     string `yaml:"email"`
}

func LoadClient(path string) (*Client, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Client{
		ServerURL: "http://localhost:8080",
		BridgeURL: "ws://localhost:8080/ws",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

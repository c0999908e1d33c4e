package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all static daemon configuration. Runtime sync behavior
// lives in SyncSettings, which is persisted and mutable at runtime.
type Config struct {
	NodeEnv    string
	ListenAddr string
	DataDir    string
	DeviceName string
	Server     ServerConfig
	Storage    StorageConfig
	Crypto     CryptoConfig
}

// ServerConfig holds Odoo server connection configuration
type ServerConfig struct {
	URL           string
	Database      string
	Username      string
	Password      string
	Transport     string // jsonrpc, xmlrpc
	TokenURL      string
	ClientID      string
	RefreshToken  string
	BusEnabled    bool
	Timeout       time.Duration
	BulkTimeout   time.Duration
	ProbeInterval time.Duration
}

// StorageConfig holds local persistence configuration
type StorageConfig struct {
	Driver string // sqlite (handheld default) or embedded-postgres (kiosk)
	Path   string // sqlite file path, relative to DataDir when not absolute
	PGPort int
}

// CryptoConfig holds at-rest encryption configuration
type CryptoConfig struct {
	Passphrase string // empty disables payload encryption
	Salt       string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	serverURL := os.Getenv("ODOO_URL")
	if serverURL == "" {
		return nil, fmt.Errorf("ODOO_URL is required")
	}

	transport := getEnv("ODOO_TRANSPORT", "jsonrpc")
	if transport != "jsonrpc" && transport != "xmlrpc" {
		return nil, fmt.Errorf("unsupported ODOO_TRANSPORT %q", transport)
	}

	return &Config{
		NodeEnv:    getEnv("NODE_ENV", "development"),
		ListenAddr: getEnv("LISTEN_ADDR", "127.0.0.1:8787"),
		DataDir:    getEnv("DATA_DIR", "./data"),
		DeviceName: getEnv("DEVICE_NAME", ""),
		Server: ServerConfig{
			URL:           serverURL,
			Database:      getEnv("ODOO_DB", ""),
			Username:      getEnv("ODOO_USERNAME", ""),
			Password:      os.Getenv("ODOO_PASSWORD"),
			Transport:     transport,
			TokenURL:      getEnv("ODOO_TOKEN_URL", serverURL+"/api/auth/token"),
			ClientID:      getEnv("ODOO_CLIENT_ID", "odoofield"),
			RefreshToken:  os.Getenv("ODOO_REFRESH_TOKEN"),
			BusEnabled:    getEnv("ODOO_BUS_ENABLED", "true") == "true",
			Timeout:       getEnvDuration("ODOO_TIMEOUT", 15*time.Second),
			BulkTimeout:   getEnvDuration("ODOO_BULK_TIMEOUT", 90*time.Second),
			ProbeInterval: getEnvDuration("PROBE_INTERVAL", 30*time.Second),
		},
		Storage: StorageConfig{
			Driver: getEnv("STORAGE_DRIVER", "sqlite"),
			Path:   getEnv("STORAGE_PATH", "odoofield.db"),
			PGPort: getEnvInt("STORAGE_PG_PORT", 5433),
		},
		Crypto: CryptoConfig{
			Passphrase: os.Getenv("CACHE_PASSPHRASE"),
			Salt:       getEnv("CACHE_SALT", "odoofield-cache-v1"),
		},
	}, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

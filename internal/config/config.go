package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/internal/peers"
	"github.com/otcheredev/dicomweb-gateway/internal/query"
)

// Config is the complete gateway configuration
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	DIMSE    DIMSEConfig
	Storage  StorageConfig
	QIDO     QIDOConfig
	WADO     WADOConfig
	Cache    CacheConfig
	Redis    RedisConfig
	Database DatabaseConfig
	CORS     CORSConfig
	Metrics  MetricsConfig
	Bridge   BridgeConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
	Dir    string
}

type DIMSEConfig struct {
	LocalAETitle    string
	LocalHost       string
	LocalPort       int
	Peers           string
	MaxAssociations int
	PrecheckFind    bool
	// FetchLevel is empty for "narrowest implied level"
	FetchLevel string
	Timeout    time.Duration
	ToolsDir   string
}

type StorageConfig struct {
	Path             string
	RetentionMinutes int
	SweepInterval    time.Duration
}

type QIDOConfig struct {
	MinChars       int
	AppendWildcard bool
}

type WADOConfig struct {
	TransferSyntax string
	LossyQuality   int
	FullMetadata   bool
	ThumbnailSize  int
}

type CacheConfig struct {
	Enabled    bool
	Type       string // memory, redis
	MaxEntries int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

type MetricsConfig struct {
	Enabled bool
}

type BridgeConfig struct {
	URL       string
	Token     string
	ChunkSize int
}

// Load reads an optional .env file and the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 5000),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 5*time.Minute),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Dir:    getEnv("LOG_DIR", ""),
		},
		DIMSE: DIMSEConfig{
			LocalAETitle:    getEnv("DIMSE_LOCAL_AET", "DICOMWEB_PROXY"),
			LocalHost:       getEnv("DIMSE_LOCAL_HOST", "127.0.0.1"),
			LocalPort:       getEnvInt("DIMSE_LOCAL_PORT", 9999),
			Peers:           getEnv("DIMSE_PEERS", ""),
			MaxAssociations: getEnvInt("DIMSE_MAX_ASSOCIATIONS", 4),
			PrecheckFind:    getEnvBool("DIMSE_PRECHECK_FIND", true),
			FetchLevel:      getEnv("DIMSE_FETCH_LEVEL", ""),
			Timeout:         getEnvDuration("DIMSE_TIMEOUT", 5*time.Minute),
			ToolsDir:        getEnv("DIMSE_TOOLS_DIR", ""),
		},
		Storage: StorageConfig{
			Path:             getEnv("STORAGE_PATH", "./data"),
			RetentionMinutes: getEnvInt("CACHE_RETENTION_MINUTES", 60),
			SweepInterval:    getEnvDuration("CACHE_SWEEP_INTERVAL", time.Minute),
		},
		QIDO: QIDOConfig{
			MinChars:       getEnvInt("QIDO_MIN_CHARS", 0),
			AppendWildcard: getEnvBool("QIDO_APPEND_WILDCARD", true),
		},
		WADO: WADOConfig{
			TransferSyntax: getEnv("WADO_TRANSFER_SYNTAX", "1.2.840.10008.1.2.1"),
			LossyQuality:   getEnvInt("WADO_LOSSY_QUALITY", 90),
			FullMetadata:   getEnvBool("WADO_FULL_METADATA", false),
			ThumbnailSize:  getEnvInt("WADO_THUMBNAIL_SIZE", 128),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			Type:       getEnv("CACHE_TYPE", "memory"),
			MaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 10000),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "dicomweb:"),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "dicomweb_gateway"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			LogLevel: getEnv("DB_LOG_LEVEL", "warn"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders: getEnvSlice("CORS_ALLOWED_HEADERS", []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"}),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
		Bridge: BridgeConfig{
			URL:       getEnv("WEBSOCKET_URL", ""),
			Token:     getEnv("WEBSOCKET_TOKEN", ""),
			ChunkSize: getEnvInt("WEBSOCKET_CHUNK_SIZE", 64*1024),
		},
	}

	return cfg, nil
}

// Validate rejects configurations the gateway cannot run with
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid SERVER_PORT %d", c.Server.Port)
	}
	if c.DIMSE.MaxAssociations < 1 {
		return errors.New("DIMSE_MAX_ASSOCIATIONS must be at least 1")
	}
	if c.DIMSE.FetchLevel != "" {
		if _, err := query.ParseLevel(c.DIMSE.FetchLevel); err != nil {
			return fmt.Errorf("DIMSE_FETCH_LEVEL: %w", err)
		}
	}
	if c.Storage.Path == "" {
		return errors.New("STORAGE_PATH is required")
	}
	if c.Cache.Type != "memory" && c.Cache.Type != "redis" {
		return fmt.Errorf("unknown CACHE_TYPE %q", c.Cache.Type)
	}
	if c.Bridge.URL != "" && c.Bridge.ChunkSize < 1 {
		return errors.New("WEBSOCKET_CHUNK_SIZE must be positive")
	}
	if _, err := c.Registry(); err != nil {
		return err
	}
	return nil
}

// Retention converts CACHE_RETENTION_MINUTES; negative disables eviction
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Storage.RetentionMinutes) * time.Minute
}

// Registry builds the peer registry from the DIMSE settings
func (c *Config) Registry() (*peers.Registry, error) {
	list, err := peers.ParsePeers(c.DIMSE.Peers)
	if err != nil {
		return nil, fmt.Errorf("DIMSE_PEERS: %w", err)
	}

	var fetchLevel query.Level
	if c.DIMSE.FetchLevel != "" {
		fetchLevel, err = query.ParseLevel(c.DIMSE.FetchLevel)
		if err != nil {
			return nil, fmt.Errorf("DIMSE_FETCH_LEVEL: %w", err)
		}
	}

	local := models.DicomNode{
		AETitle: c.DIMSE.LocalAETitle,
		Host:    c.DIMSE.LocalHost,
		Port:    c.DIMSE.LocalPort,
	}
	return peers.New(local, list, peers.Options{
		MaxAssociations: c.DIMSE.MaxAssociations,
		CacheRetention:  c.Retention(),
		MinSearchChars:  c.QIDO.MinChars,
		AppendWildcard:  c.QIDO.AppendWildcard,
		PrecheckFind:    c.DIMSE.PrecheckFind,
		FetchLevel:      fetchLevel,
	})
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

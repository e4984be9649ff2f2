package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/glavbuh/internal/identity"
	"github.com/nkiryanov/glavbuh/internal/logger"
)

const (
	defaultAPIURL         = "http://localhost:8000"
	defaultLoggingLevel   = logger.LevelInfo
	defaultEnvironment    = logger.EnvProduction
	defaultStorage        = StorageFile
	defaultStoragePath    = ".glavbuh/session.json"
	defaultInstallationID = "default"
	defaultPushPlatform   = "desktop"
	defaultRequestTimeout = identity.DefaultTimeout
)

// Storage backends
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

type Config struct {
	// Remote API base URL
	APIURL string

	// Default logging level
	LogLevel string

	// Environment
	Environment string

	// Where credential and push identity are persisted: memory, file, postgres or redis
	Storage string

	// File backend location. Relative path is resolved against working directory
	StoragePath string

	// Database to keep session in (postgres backend)
	DatabaseDSN string

	// Redis to keep session in (redis backend)
	RedisURL string

	// Secret key
	// File backend seals its content with a key derived from it. Plain file is used if empty
	SecretKey string

	// Namespace of this installation in shared backends (postgres, redis)
	InstallationID string

	// Push platform (ios, android, web, desktop) and token the platform issued
	PushPlatform string
	PushToken    string

	// Timeout of one remote API request
	RequestTimeout time.Duration

	// Address to serve prometheus metrics on. Disabled if empty
	MetricsAddr string
}

func NewConfig() *Config {
	return &Config{
		APIURL:         defaultAPIURL,
		LogLevel:       defaultLoggingLevel,
		Environment:    defaultEnvironment,
		Storage:        defaultStorage,
		StoragePath:    defaultStoragePath,
		InstallationID: defaultInstallationID,
		PushPlatform:   defaultPushPlatform,
		RequestTimeout: defaultRequestTimeout,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}

	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"API_URL":         setString(&c.APIURL),
		"LOG_LEVEL":       setString(&c.LogLevel),
		"ENVIRONMENT":     setString(&c.Environment),
		"STORAGE":         setString(&c.Storage),
		"STORAGE_PATH":    setString(&c.StoragePath),
		"DATABASE_URI":    setString(&c.DatabaseDSN),
		"REDIS_URL":       setString(&c.RedisURL),
		"SECRET_KEY":      setString(&c.SecretKey),
		"INSTALLATION_ID": setString(&c.InstallationID),
		"PUSH_PLATFORM":   setString(&c.PushPlatform),
		"PUSH_TOKEN":      setString(&c.PushToken),
		"REQUEST_TIMEOUT": setDuration(&c.RequestTimeout),
		"METRICS_ADDR":    setString(&c.MetricsAddr),
	}

	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	return nil
}

// ParseFlags parses options and returns remaining positional arguments (command and its args)
func (c *Config) ParseFlags(args []string) ([]string, error) {
	fs := pflag.NewFlagSet("glavbuh", pflag.ContinueOnError)
	fs.SetInterspersed(false)

	fs.StringVarP(&c.APIURL, "api-url", "u", c.APIURL, "Remote API base URL")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVarP(&c.Storage, "storage", "s", c.Storage, "Session storage (memory, file, postgres, redis)")
	fs.StringVarP(&c.StoragePath, "storage-path", "p", c.StoragePath, "Session file for file storage")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVar(&c.RedisURL, "redis", c.RedisURL, "Redis URL")
	fs.StringVarP(&c.SecretKey, "secret-key", "k", c.SecretKey, "Secret key to seal session file")
	fs.StringVar(&c.InstallationID, "installation-id", c.InstallationID, "Installation namespace in shared storage")
	fs.StringVar(&c.PushPlatform, "push-platform", c.PushPlatform, "Push platform (ios, android, web, desktop)")
	fs.StringVar(&c.PushToken, "push-token", c.PushToken, "Push token issued by the platform")
	fs.DurationVarP(&c.RequestTimeout, "timeout", "t", c.RequestTimeout, "Remote API request timeout")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Address to serve metrics on")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs.Args(), nil
}

// Resolve relative storage path against working directory
func (c *Config) ResolvePath(getwd func() (string, error)) error {
	if c.StoragePath == "" || filepath.IsAbs(c.StoragePath) {
		return nil
	}

	wd, err := getwd()
	if err != nil {
		return err
	}
	c.StoragePath = filepath.Join(wd, c.StoragePath)
	return nil
}

package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultAddr             = ":9757"
	DefaultLimactl          = "limactl"
	DefaultTemplate         = "template://default"
	DefaultInstanceCacheTTL = 5 * time.Second
	DefaultShell            = "/bin/bash"
)

type Config struct {
	Addr               string
	LogLevel           slog.Level
	Token              string
	TokenAutoGenerated bool
	LimactlPath        string
	LimaTemplate       string
	InstanceCacheTTL   time.Duration
	DefaultShell       string
}

// ParseCfg reads configuration from command line flags, falling back to
// environment variables and then to defaults. A .env file in the working
// directory is loaded first; variables already set in the environment win.
func ParseCfg() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", slog.String("error", err.Error()))
	}

	addr := flag.String("addr", envOr("ADDR", DefaultAddr), "Address to listen on")
	logLevel := flag.String("log_level", envOr("LOG_LEVEL", "INFO"), "Log level (DEBUG, INFO, WARN, ERROR)")
	token := flag.String("token", os.Getenv("TOKEN"), "Bearer token for API access")
	limactl := flag.String("limactl", envOr("LIMACTL_PATH", DefaultLimactl), "Path to the limactl binary")
	template := flag.String("template", envOr("LIMA_TEMPLATE", DefaultTemplate), "Template used by create operations")
	cacheTTL := flag.String("instance_cache_ttl", envOr("INSTANCE_CACHE_TTL", DefaultInstanceCacheTTL.String()), "How long instance listings are cached")
	shell := flag.String("shell", envOr("DEFAULT_SHELL", DefaultShell), "Shell started by PTY sessions without a command")
	flag.Parse()

	cfg := &Config{
		Addr:         *addr,
		LogLevel:     getLogLevel(*logLevel),
		Token:        *token,
		LimactlPath:  *limactl,
		LimaTemplate: *template,
		DefaultShell: *shell,
	}

	ttl, err := time.ParseDuration(*cacheTTL)
	if err != nil || ttl <= 0 {
		slog.Warn("Invalid instance cache TTL, using default", slog.String("value", *cacheTTL))
		ttl = DefaultInstanceCacheTTL
	}
	cfg.InstanceCacheTTL = ttl

	if cfg.Token == "" {
		cfg.Token = generateRandomToken(16)
		cfg.TokenAutoGenerated = true
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func generateRandomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

package config

import (
	"encoding/hex"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogLevel(t *testing.T) {
	for input, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"Debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"trace":   slog.LevelInfo,
		"":        slog.LevelInfo,
	} {
		assert.Equal(t, want, getLogLevel(input), "level %q", input)
	}
}

func TestGenerateRandomToken(t *testing.T) {
	seen := make(map[string]struct{})
	for _, n := range []int{0, 1, 16, 32} {
		token := generateRandomToken(n)
		require.Len(t, token, 2*n)

		raw, err := hex.DecodeString(token)
		require.NoError(t, err)
		assert.Len(t, raw, n)

		if n > 0 {
			assert.NotContains(t, seen, token)
			seen[token] = struct{}{}
		}
	}
	assert.NotEqual(t, generateRandomToken(16), generateRandomToken(16))
}

var knownEnv = []string{"ADDR", "LOG_LEVEL", "TOKEN", "LIMACTL_PATH", "LIMA_TEMPLATE", "INSTANCE_CACHE_TTL", "DEFAULT_SHELL"}

// clearEnv unsets every variable ParseCfg reads and restores them after t.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range knownEnv {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestParseCfg_TableDriven(t *testing.T) {

	type expectations struct {
		addr     string
		logLevel slog.Level
		limactl  string
		template string
		cacheTTL time.Duration
		shell    string
		token    string
		autoGen  bool
	}

	defaults := expectations{
		addr:     ":9757",
		logLevel: slog.LevelInfo,
		limactl:  "limactl",
		template: "template://default",
		cacheTTL: 5 * time.Second,
		shell:    "/bin/bash",
		token:    "non-empty",
		autoGen:  true,
	}
	with := func(mod func(e *expectations)) expectations {
		e := defaults
		mod(&e)
		return e
	}

	cases := []struct {
		name   string
		setEnv map[string]string
		args   []string
		exp    expectations
	}{
		{
			name: "defaults without flags or env",
			args: []string{"test"},
			exp:  defaults,
		},
		{
			name:   "env token only",
			setEnv: map[string]string{"TOKEN": "env-token"},
			args:   []string{"test"},
			exp: with(func(e *expectations) {
				e.token = "env-token"
				e.autoGen = false
			}),
		},
		{
			name: "flags override defaults",
			args: []string{"test", "-addr=:8081", "-log_level=WARN", "-limactl=/opt/lima/bin/limactl", "-template=template://ubuntu", "-instance_cache_ttl=30s", "-shell=/bin/zsh", "-token=flag-token"},
			exp: expectations{
				addr:     ":8081",
				logLevel: slog.LevelWarn,
				limactl:  "/opt/lima/bin/limactl",
				template: "template://ubuntu",
				cacheTTL: 30 * time.Second,
				shell:    "/bin/zsh",
				token:    "flag-token",
				autoGen:  false,
			},
		},
		{
			name:   "flags override env",
			setEnv: map[string]string{"ADDR": ":9090", "LOG_LEVEL": "DEBUG", "TOKEN": "env-token"},
			args:   []string{"test", "-addr=:8081", "-log_level=ERROR", "-token=flag-token"},
			exp: with(func(e *expectations) {
				e.addr = ":8081"
				e.logLevel = slog.LevelError
				e.token = "flag-token"
				e.autoGen = false
			}),
		},
		{
			name: "env used when flags are absent",
			setEnv: map[string]string{
				"ADDR":               ":9090",
				"LOG_LEVEL":          "WARN",
				"LIMACTL_PATH":       "/usr/local/bin/limactl",
				"LIMA_TEMPLATE":      "template://alpine",
				"INSTANCE_CACHE_TTL": "1m",
				"DEFAULT_SHELL":      "/bin/sh",
				"TOKEN":              "env-token",
			},
			args: []string{"test"},
			exp: expectations{
				addr:     ":9090",
				logLevel: slog.LevelWarn,
				limactl:  "/usr/local/bin/limactl",
				template: "template://alpine",
				cacheTTL: time.Minute,
				shell:    "/bin/sh",
				token:    "env-token",
				autoGen:  false,
			},
		},
		{
			name:   "invalid cache ttl from env uses default",
			setEnv: map[string]string{"INSTANCE_CACHE_TTL": "invalid"},
			args:   []string{"test"},
			exp:    defaults,
		},
		{
			name: "non-positive cache ttl flag uses default",
			args: []string{"test", "-instance_cache_ttl=0s"},
			exp:  defaults,
		},
		{
			name: "partial flags mixed with defaults",
			args: []string{"test", "-limactl=/flag/limactl", "-token=flag-token"},
			exp: with(func(e *expectations) {
				e.limactl = "/flag/limactl"
				e.token = "flag-token"
				e.autoGen = false
			}),
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			defer func(oldArgs []string) { os.Args = oldArgs }(os.Args)
			flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)
			clearEnv(t)
			for k, v := range c.setEnv {
				t.Setenv(k, v)
			}
			os.Args = c.args

			cfg := ParseCfg()

			assert.Equal(t, c.exp.addr, cfg.Addr, "addr")
			assert.Equal(t, c.exp.logLevel, cfg.LogLevel, "log level")
			assert.Equal(t, c.exp.limactl, cfg.LimactlPath, "limactl path")
			assert.Equal(t, c.exp.template, cfg.LimaTemplate, "template")
			assert.Equal(t, c.exp.cacheTTL, cfg.InstanceCacheTTL, "instance cache ttl")
			assert.Equal(t, c.exp.shell, cfg.DefaultShell, "shell")

			if c.exp.token == "non-empty" {
				assert.Equal(t, 32, len(cfg.Token))
				_, err := hex.DecodeString(cfg.Token)
				assert.NoError(t, err)
			} else {
				assert.Equal(t, c.exp.token, cfg.Token)
			}

			assert.Equal(t, c.exp.autoGen, cfg.TokenAutoGenerated, "token auto-generation flag")
		})
	}

	t.Run("auto-generated tokens differ across parses", func(t *testing.T) {
		defer func(oldArgs []string) { os.Args = oldArgs }(os.Args)
		clearEnv(t)
		os.Args = []string{"test"}

		flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)
		cfg1 := ParseCfg()
		flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)
		cfg2 := ParseCfg()

		require.NotEmpty(t, cfg1.Token)
		assert.True(t, cfg1.TokenAutoGenerated)
		assert.True(t, cfg2.TokenAutoGenerated)
		assert.NotEqual(t, cfg1.Token, cfg2.Token)
	})
}

func TestParseCfg_DotEnv(t *testing.T) {
	defer func(oldArgs []string) { os.Args = oldArgs }(os.Args)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LIMA_TEMPLATE=template://debian\nADDR=:7000\n"), 0o600))
	t.Chdir(dir)
	clearEnv(t)

	// Real environment takes precedence over the file.
	t.Setenv("ADDR", ":7100")

	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	os.Args = []string{"test"}
	cfg := ParseCfg()

	assert.Equal(t, "template://debian", cfg.LimaTemplate)
	assert.Equal(t, ":7100", cfg.Addr)
}

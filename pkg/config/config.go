// Package config resolves daemon settings from command-line flags,
// environment variables and an optional YAML file, in that order of
// precedence.
package config

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr               = ":9757"
	DefaultLogLevel           = "info"
	DefaultSessionIdleTimeout = 30 * time.Minute
	DefaultJanitorInterval    = 5 * time.Minute

	tokenBytes = 16
)

// Config holds the daemon settings.
type Config struct {
	Addr               string
	LogLevel           slog.Level
	Token              string
	TokenAutoGenerated bool
	SessionIdleTimeout time.Duration
	JanitorInterval    time.Duration
	AllowedOrigins     []string
	ConfigFile         string
}

// fileConfig is the YAML layout. Durations use Go syntax, e.g. "30m".
type fileConfig struct {
	Addr               string   `yaml:"addr"`
	LogLevel           string   `yaml:"log_level"`
	Token              string   `yaml:"token"`
	SessionIdleTimeout string   `yaml:"session_idle_timeout"`
	JanitorInterval    string   `yaml:"janitor_interval"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
}

var keys = []struct {
	name  string
	def   string
	usage string
}{
	{"addr", DefaultAddr, "listen address"},
	{"log_level", DefaultLogLevel, "log level (debug, info, warn, error)"},
	{"token", "", "API token; generated when empty"},
	{"session_idle_timeout", DefaultSessionIdleTimeout.String(), "evict sessions idle for longer than this"},
	{"janitor_interval", DefaultJanitorInterval.String(), "how often idle sessions are swept"},
	{"allowed_origins", "", "comma-separated origins allowed by CORS"},
}

// ParseCfg reads the process flags and environment.
func ParseCfg() (*Config, error) {
	return Load(flag.CommandLine, os.Args[1:], os.Getenv)
}

// Load registers the config flags on fs, parses args and resolves every key
// as flag > env > file > default.
func Load(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	configFile := fs.String("config", "", "path to a YAML config file (env CONFIG)")
	flags := make(map[string]*string, len(keys))
	for _, k := range keys {
		flags[k.name] = fs.String(k.name, k.def, k.usage+" (env "+strings.ToUpper(k.name)+")")
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	values := make(map[string]string, len(keys))
	for _, k := range keys {
		values[k.name] = k.def
	}

	path := getenv("CONFIG")
	if set["config"] {
		path = *configFile
	}
	if path != "" {
		fromFile, err := readFile(path)
		if err != nil {
			return nil, err
		}
		for k, v := range fromFile {
			values[k] = v
		}
	}

	for _, k := range keys {
		if v := getenv(strings.ToUpper(k.name)); v != "" {
			values[k.name] = v
		}
		if set[k.name] {
			values[k.name] = *flags[k.name]
		}
	}

	cfg, err := build(values)
	if err != nil {
		return nil, err
	}
	cfg.ConfigFile = path
	return cfg, nil
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	out := make(map[string]string)
	put := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	put("addr", fc.Addr)
	put("log_level", fc.LogLevel)
	put("token", fc.Token)
	put("session_idle_timeout", fc.SessionIdleTimeout)
	put("janitor_interval", fc.JanitorInterval)
	put("allowed_origins", strings.Join(fc.AllowedOrigins, ","))
	return out, nil
}

func build(values map[string]string) (*Config, error) {
	cfg := &Config{
		Addr:           values["addr"],
		LogLevel:       getLogLevel(values["log_level"]),
		Token:          values["token"],
		AllowedOrigins: splitList(values["allowed_origins"]),
	}

	var err error
	if cfg.SessionIdleTimeout, err = positiveDuration("session_idle_timeout", values["session_idle_timeout"]); err != nil {
		return nil, err
	}
	if cfg.JanitorInterval, err = positiveDuration("janitor_interval", values["janitor_interval"]); err != nil {
		return nil, err
	}

	if cfg.Token == "" {
		cfg.Token = generateRandomToken(tokenBytes)
		cfg.TokenAutoGenerated = true
	}
	return cfg, nil
}

func positiveDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func generateRandomToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

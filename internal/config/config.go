// Package config loads process configuration: flags and environment
// variables for runtime settings, and an optional YAML file for
// seeding mirror records. Flags override environment, which overrides
// the defaults below — the layering the example pack's CLIs use.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/brisling/regmirror/pkg/model"
)

// Config holds every flag/env-derived setting the binary needs.
type Config struct {
	ListenAddr   string
	MirrorsFile  string
	LogLevel     slog.Level
	S3Bucket     string
	S3Prefix     string
	StoreBackend string // "memory" or "s3"
}

// Load parses flags (falling back to environment variables, falling
// back to the defaults below) into a Config.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("regmirror", flag.ContinueOnError)

	listenAddr := fs.String("listen-addr", envOr("LISTEN_ADDR", ":8080"), "address to listen on")
	mirrorsFile := fs.String("mirrors-file", envOr("MIRRORS_FILE", ""), "YAML file seeding initial mirror records")
	logLevel := fs.String("log-level", envOr("LOG_LEVEL", "info"), "debug, info, warn, or error")
	storeBackend := fs.String("store-backend", envOr("STORE_BACKEND", "memory"), "memory or s3")
	s3Bucket := fs.String("s3-bucket", envOr("S3_BUCKET", ""), "S3 bucket for mirror persistence (store-backend=s3)")
	s3Prefix := fs.String("s3-prefix", envOr("S3_PREFIX", "mirrors"), "S3 key prefix for mirror persistence")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *storeBackend == "s3" && *s3Bucket == "" {
		return Config{}, fmt.Errorf("--s3-bucket is required when --store-backend=s3")
	}

	return Config{
		ListenAddr:   *listenAddr,
		MirrorsFile:  *mirrorsFile,
		LogLevel:     parseLogLevel(*logLevel),
		S3Bucket:     *s3Bucket,
		S3Prefix:     *s3Prefix,
		StoreBackend: *storeBackend,
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// seedMirror is the YAML shape for one entry in a mirrors file.
type seedMirror struct {
	Name         string `yaml:"name"`
	URL          string `yaml:"url"`
	Enabled      *bool  `yaml:"enabled"`
	RegistryType string `yaml:"registry_type"`
	RoutePrefix  string `yaml:"route_prefix"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
}

// LoadMirrorSeeds parses a YAML file of mirror records for initial
// store seeding. A missing Enabled field defaults to true. Latency
// starts at model.Unreachable until the first health probe runs.
func LoadMirrorSeeds(path string) ([]model.Mirror, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mirrors file %q: %w", path, err)
	}

	var seeds []seedMirror
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("parse mirrors file %q: %w", path, err)
	}

	mirrors := make([]model.Mirror, 0, len(seeds))
	for _, s := range seeds {
		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}
		mirrors = append(mirrors, model.Mirror{
			Name:         s.Name,
			URL:          s.URL,
			Enabled:      enabled,
			LatencyMS:    model.Unreachable,
			RegistryType: model.RegistryType(s.RegistryType),
			RoutePrefix:  model.NormalizePrefix(s.RoutePrefix),
			Creds:        model.Credentials{Username: s.Username, Password: s.Password},
		})
	}
	return mirrors, nil
}

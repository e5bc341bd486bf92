package main

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	backendMemDB    = "memdb"
	backendPostgres = "postgres"
)

type config struct {
	Backend      string
	DatabaseURL  string
	Redis        *redis.Options
	BoardChannel string
	DeduperTTL   time.Duration
	AutoRenumber bool
	Timeout      time.Duration

	Auth0Domain   string
	Auth0Audience string
	TestMode      bool

	Debug      bool
	JSONLogs   bool
	ListenAddr string
}

// loadConfig reads the process configuration from the environment.
func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		Backend:      backendMemDB,
		DeduperTTL:   24 * time.Hour,
		AutoRenumber: true,
		Timeout:      10 * time.Second,
		ListenAddr:   ":8080",
		BoardChannel: getenv("BOARD_CHANNEL"),
		DatabaseURL:  getenv("DB_URL"),
	}

	if v := strings.ToLower(strings.TrimSpace(getenv("STORAGE_BACKEND"))); v != "" {
		if v != backendMemDB && v != backendPostgres {
			return cfg, fmt.Errorf("invalid STORAGE_BACKEND %q", v)
		}
		cfg.Backend = v
	}
	if cfg.Backend == backendPostgres && cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DB_URL is required for the postgres backend")
	}

	if v := getenv("REDIS_CONNECTION_STRING"); v != "" {
		cfg.Redis = parseRedisOptions(v)
	}
	if v := getenv("DEDUPER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("invalid DEDUPER_TTL %q", v)
		}
		cfg.DeduperTTL = d
	}
	if v := getenv("AUTO_RENUMBER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid AUTO_RENUMBER: %w", err)
		}
		cfg.AutoRenumber = b
	}
	if v := getenv("REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return cfg, fmt.Errorf("invalid REQUEST_TIMEOUT %q", v)
		}
		cfg.Timeout = d
	}

	cfg.TestMode = getenv("AUTH0_TEST_MODE") == "1"
	cfg.Auth0Domain = getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = getenv("AUTH0_AUDIENCE")
	if !cfg.TestMode && (cfg.Auth0Domain == "" || cfg.Auth0Audience == "") {
		return cfg, fmt.Errorf("missing Auth0 config")
	}

	if dbg, err := strconv.ParseBool(getenv("DEBUG")); err == nil {
		cfg.Debug = dbg
	}
	cfg.JSONLogs = strings.EqualFold(getenv("LOG_FORMAT"), "json")
	if v := getenv("FUNCTIONS_CUSTOMHANDLER_PORT"); v != "" {
		cfg.ListenAddr = ":" + v
	}
	return cfg, nil
}

// parseRedisOptions accepts a redis:// URL or the "host:port,password=...,ssl=true"
// form used by Azure connection strings.
func parseRedisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}


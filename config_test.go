package main

import (
	"testing"
	"time"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(envFrom(map[string]string{"AUTH0_TEST_MODE": "1"}))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Backend != backendMemDB {
		t.Fatalf("backend = %s", cfg.Backend)
	}
	if !cfg.AutoRenumber {
		t.Fatalf("auto renumber should default to true")
	}
	if cfg.DeduperTTL != 24*time.Hour || cfg.Timeout != 10*time.Second {
		t.Fatalf("unexpected durations: ttl %v timeout %v", cfg.DeduperTTL, cfg.Timeout)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %s", cfg.ListenAddr)
	}
	if cfg.Redis != nil {
		t.Fatalf("redis should be disabled without a connection string")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := loadConfig(envFrom(map[string]string{
		"STORAGE_BACKEND":              "Postgres",
		"DB_URL":                       "postgres://localhost/planning",
		"REDIS_CONNECTION_STRING":      "cache:6380,password=secret,ssl=True",
		"AUTO_RENUMBER":                "false",
		"REQUEST_TIMEOUT":              "2s",
		"DEDUPER_TTL":                  "1h",
		"AUTH0_DOMAIN":                 "tenant.example.com",
		"AUTH0_AUDIENCE":               "api://planning",
		"LOG_FORMAT":                   "JSON",
		"DEBUG":                        "true",
		"FUNCTIONS_CUSTOMHANDLER_PORT": "7071",
	}))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Backend != backendPostgres || cfg.AutoRenumber {
		t.Fatalf("unexpected backend settings: %+v", cfg)
	}
	if cfg.Timeout != 2*time.Second || cfg.DeduperTTL != time.Hour {
		t.Fatalf("unexpected durations: ttl %v timeout %v", cfg.DeduperTTL, cfg.Timeout)
	}
	if !cfg.JSONLogs || !cfg.Debug || cfg.ListenAddr != ":7071" {
		t.Fatalf("unexpected process settings: %+v", cfg)
	}
	if cfg.Redis == nil {
		t.Fatalf("expected redis options")
	}
	if cfg.Redis.Addr != "cache:6380" || cfg.Redis.Password != "secret" || cfg.Redis.TLSConfig == nil {
		t.Fatalf("unexpected redis options: addr %s tls %v", cfg.Redis.Addr, cfg.Redis.TLSConfig != nil)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown backend":   {"AUTH0_TEST_MODE": "1", "STORAGE_BACKEND": "sqlite"},
		"postgres no dsn":   {"AUTH0_TEST_MODE": "1", "STORAGE_BACKEND": "postgres"},
		"bad ttl":           {"AUTH0_TEST_MODE": "1", "DEDUPER_TTL": "-1s"},
		"bad renumber flag": {"AUTH0_TEST_MODE": "1", "AUTO_RENUMBER": "sometimes"},
		"bad timeout":       {"AUTH0_TEST_MODE": "1", "REQUEST_TIMEOUT": "soon"},
		"missing auth0":     {},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := loadConfig(envFrom(env)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseRedisOptionsURL(t *testing.T) {
	opts := parseRedisOptions("redis://:pw@localhost:6379/2")
	if opts.Addr != "localhost:6379" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("unexpected options: %s %s %d", opts.Addr, opts.Password, opts.DB)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.BundleTopic != "fhir.bundles" || cfg.ResultTopic != "piqi.messages" {
		t.Errorf("unexpected topics %s / %s", cfg.BundleTopic, cfg.ResultTopic)
	}
	if cfg.Workers != 10 || cfg.QueueSize != 1000 {
		t.Errorf("unexpected pool sizing %d / %d", cfg.Workers, cfg.QueueSize)
	}
	if cfg.FHIRVersion != "R4" || cfg.LabTraversal != "report" {
		t.Errorf("unexpected mapping defaults %s / %s", cfg.FHIRVersion, cfg.LabTraversal)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Errorf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.MaxBundleBytes != 10<<20 {
		t.Errorf("unexpected max bundle bytes %d", cfg.MaxBundleBytes)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("API_KEYS", "abc:client-a,def")
	t.Setenv("WORKERS", "4")
	t.Setenv("LAB_TRAVERSAL", "observation")

	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "9000" {
		t.Errorf("expected port 9000, got %s", cfg.Port)
	}
	if strings.Join(cfg.KafkaBrokers, ";") != "k1:9092;k2:9092" {
		t.Errorf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Workers)
	}
	if cfg.LabTraversal != "observation" {
		t.Errorf("expected observation traversal, got %s", cfg.LabTraversal)
	}

	clients := cfg.APIKeyClients()
	if clients["abc"] != "client-a" || clients["def"] != "default" {
		t.Errorf("unexpected api key clients %v", clients)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "piqi.env")
	if err := os.WriteFile(path, []byte("PORT=7070\nRESULT_TOPIC=custom.results\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "7070" || cfg.ResultTopic != "custom.results" {
		t.Errorf("file values not applied: port=%s topic=%s", cfg.Port, cfg.ResultTopic)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Env:             "development",
			AuthMode:        AuthModeAPIKey,
			APIKeys:         []string{"k:c"},
			FHIRVersion:     "R4",
			LabTraversal:    "report",
			Workers:         1,
			QueueSize:       1,
			TraceSampleRate: 0.5,
			MaxBundleBytes:  1024,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"api key mode without keys", func(c *Config) { c.APIKeys = nil }, "API_KEYS"},
		{"jwt with short key", func(c *Config) { c.AuthMode = AuthModeJWT; c.JWTSigningKey = "short" }, "JWT_SIGNING_KEY"},
		{"jwt with long key", func(c *Config) { c.AuthMode = AuthModeJWT; c.JWTSigningKey = strings.Repeat("k", 32) }, ""},
		{"no auth in production", func(c *Config) { c.AuthMode = AuthModeNone; c.Env = "production" }, "not allowed"},
		{"unknown auth", func(c *Config) { c.AuthMode = "basic" }, "AUTH_MODE"},
		{"r5", func(c *Config) { c.FHIRVersion = "R5" }, "FHIR_VERSION"},
		{"bad traversal", func(c *Config) { c.LabTraversal = "both" }, "LAB_TRAVERSAL"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "WORKERS"},
		{"sample rate", func(c *Config) { c.TraceSampleRate = 2 }, "TRACE_SAMPLE_RATE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() || !c.IsProduction() {
		t.Error("expected production mode")
	}
}

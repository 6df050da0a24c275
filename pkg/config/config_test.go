package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if c.Session.Step != 5*time.Minute || c.Session.Open != "09:00" || c.Session.Close != "13:30" {
		t.Fatalf("unexpected session defaults %+v", c.Session)
	}
	if c.Engine.Tolerance != 3*time.Minute {
		t.Fatalf("tolerance = %v", c.Engine.Tolerance)
	}
	if len(c.Upstream.Sources) != 2 || c.Upstream.Sources[0] != "yahoo" {
		t.Fatalf("sources = %v", c.Upstream.Sources)
	}
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
environment: production
backend:
  type: postgres
server:
  port: 8080
  cors: false
session:
  holidays: ["2024-06-10"]
instruments:
  - {id: "2881", name: "富邦金"}
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Backend.Type != BackendPostgres || c.Server.Port != 8080 || c.Server.CORS {
		t.Fatalf("yaml not applied: %+v %+v", c.Backend, c.Server)
	}
	if c.Postgres.Port != 5432 {
		t.Fatalf("defaults lost under yaml, port=%d", c.Postgres.Port)
	}
	if len(c.Instruments) != 1 || c.Session.Holidays[0] != "2024-06-10" {
		t.Fatalf("lists not applied: %+v %v", c.Instruments, c.Session.Holidays)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.Backend.Type = "kafka" }},
		{"open", func(c *Config) { c.Session.Open = "9am" }},
		{"holiday", func(c *Config) { c.Session.Holidays = []string{"2024/06/10"} }},
		{"location", func(c *Config) { c.Session.Location = "Mars/Olympus" }},
		{"kafka brokers", func(c *Config) { c.Kafka.Enabled = true }},
		{"queue cache", func(c *Config) { c.Queue.Enabled = true }},
		{"source", func(c *Config) { c.Upstream.Sources = []string{"bloomberg"} }},
		{"instrument", func(c *Config) { c.Instruments = []Instrument{{ID: "abc", Name: "x"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"GEMINI_API_KEY": "k",
		"BACKEND":        "clickhouse",
		"KAFKA_BROKERS":  "a:9092, b:9092,",
		"REDIS_ADDR":     "cache.local:6380",
		"PORT":           "9000",
	}
	c := Default()
	if err := c.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if c.Summary.APIKey != "k" || c.Backend.Type != BackendClickHouse || c.Server.Port != 9000 {
		t.Fatalf("env not applied: %+v", c)
	}
	if len(c.Kafka.Brokers) != 2 || c.Kafka.Brokers[1] != "b:9092" || !c.Kafka.Enabled {
		t.Fatalf("brokers = %v enabled=%v", c.Kafka.Brokers, c.Kafka.Enabled)
	}
	if c.Redis.Host != "cache.local" || c.Redis.Port != 6380 {
		t.Fatalf("redis = %s:%d", c.Redis.Host, c.Redis.Port)
	}

	bad := Default()
	if err := bad.applyEnv(func(k string) string {
		if k == "PORT" {
			return "http"
		}
		return ""
	}); err == nil {
		t.Fatalf("expected PORT error")
	}
}

func TestLoadWithEnvMissingFile(t *testing.T) {
	t.Setenv("BACKEND", "memory")
	c, err := LoadWithEnv(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if c.Backend.Type != BackendMemory {
		t.Fatalf("backend = %s", c.Backend.Type)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if c.Runner.VerifyCommand == "" {
		t.Fatalf("default verify command empty")
	}
	if c.Runner.SlackMultiplier != 2.0 {
		t.Fatalf("unexpected slack %v", c.Runner.SlackMultiplier)
	}
	if c.GateTimeout() != 600*time.Second {
		t.Fatalf("unexpected gate timeout %v", c.GateTimeout())
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	c, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Runner.DefaultBudget != Default().Runner.DefaultBudget {
		t.Fatalf("expected defaults, got %+v", c.Runner)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	doc := `
runner:
  verify_command: make test
  attempt_command: ./attempt.sh
  slack_multiplier: 1.5
tracks:
  backend:
    files: [internal/, cmd/]
  frontend:
    files: [web/]
webhooks:
  - url: http://localhost:9999/events
    events: [story.completed]
`
	if err := os.WriteFile(filepath.Join(dir, "storyline.yml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Runner.VerifyCommand != "make test" {
		t.Fatalf("verify command not loaded: %q", c.Runner.VerifyCommand)
	}
	if c.Runner.SlackMultiplier != 1.5 {
		t.Fatalf("slack not loaded: %v", c.Runner.SlackMultiplier)
	}
	// unspecified fields keep defaults
	if c.Runner.GateTimeoutSeconds != 600 {
		t.Fatalf("gate timeout default lost: %d", c.Runner.GateTimeoutSeconds)
	}
	if len(c.Tracks) != 2 || len(c.Webhooks) != 1 {
		t.Fatalf("tracks/webhooks not loaded: %+v", c)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty verify command", func(c *Config) { c.Runner.VerifyCommand = "" }},
		{"zero gate timeout", func(c *Config) { c.Runner.GateTimeoutSeconds = 0 }},
		{"slack below one", func(c *Config) { c.Runner.SlackMultiplier = 0.5 }},
		{"zero default budget", func(c *Config) { c.Runner.DefaultBudget = 0 }},
		{"webhook without url", func(c *Config) { c.Webhooks = []WebhookConfig{{}} }},
		{"track with empty file", func(c *Config) {
			c.Tracks = map[string]Track{"backend": {Files: []string{""}}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(c)
			if err := c.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

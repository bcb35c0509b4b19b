package types

import (
	"testing"
	"time"
)

func TestSessionStatusTerminal(t *testing.T) {
	terminal := []SessionStatus{SessionCompleted, SessionStopped, SessionFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	nonTerminal := []SessionStatus{SessionIdle, SessionRunning, SessionPaused}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestSessionConfigValidate(t *testing.T) {
	valid := func() SessionConfig {
		cfg := DefaultSessionConfig()
		cfg.RepoPath = "/tmp/repo"
		cfg.DeployCommand = "vercel deploy {branch}"
		return cfg
	}

	if err := func() error { cfg := valid(); return cfg.Validate() }(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*SessionConfig)
	}{
		{"missing repo", func(c *SessionConfig) { c.RepoPath = "" }},
		{"zero cycles", func(c *SessionConfig) { c.MaxCycles = 0 }},
		{"empty filter", func(c *SessionConfig) { c.SeverityFilter = nil }},
		{"bad severity", func(c *SessionConfig) { c.SeverityFilter = []Severity{"urgent"} }},
		{"bad apply mode", func(c *SessionConfig) { c.ApplyMode = "merge" }},
		{"preview without command", func(c *SessionConfig) { c.DeployCommand = "" }},
		{"local without url", func(c *SessionConfig) { c.DeployMode = DeployLocal; c.LocalURL = "" }},
		{"cautious without allow-list", func(c *SessionConfig) { c.PermissionMode = PermissionCautious }},
		{"bad stop verdict", func(c *SessionConfig) { c.StopOnVerdict = "SHIP_IT" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestSessionConfigValidateManualMode(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.RepoPath = "/tmp/repo"
	cfg.DeployMode = DeployManual
	// Manual mode needs neither a command nor a URL.
	if err := cfg.Validate(); err != nil {
		t.Fatalf("manual mode should validate without deploy command: %v", err)
	}
}

func TestSessionConfigValidateStopNever(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.RepoPath = "/tmp/repo"
	cfg.DeployCommand = "deploy {branch}"
	cfg.StopOnVerdict = StopOnVerdictNever
	if err := cfg.Validate(); err != nil {
		t.Fatalf("stop_on_verdict=never should validate: %v", err)
	}
}

func TestWantsSeverity(t *testing.T) {
	cfg := SessionConfig{SeverityFilter: []Severity{SeverityCritical, SeverityHigh}}
	if !cfg.WantsSeverity(SeverityCritical) {
		t.Error("expected critical to match")
	}
	if cfg.WantsSeverity(SeverityLow) {
		t.Error("expected low to be excluded")
	}
}

func TestDefaultSessionConfig(t *testing.T) {
	cfg := DefaultSessionConfig()
	if cfg.MaxCycles != 3 {
		t.Errorf("expected 3 max cycles, got %d", cfg.MaxCycles)
	}
	if cfg.StopOnVerdict != string(VerdictGo) {
		t.Errorf("expected default stop verdict GO, got %s", cfg.StopOnVerdict)
	}
	if cfg.AgentTimeout != 30*time.Minute {
		t.Errorf("expected 30m agent timeout, got %v", cfg.AgentTimeout)
	}
}

func TestSeverityValid(t *testing.T) {
	for _, s := range SeverityOrder {
		if !s.Valid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if Severity("info").Valid() {
		t.Error("info is not a fixloop severity tier")
	}
}

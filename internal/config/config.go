// Package config loads fixloop configuration from a YAML file with
// environment variable overrides. Precedence: flags > environment > file >
// defaults; flag merging happens in the CLI layer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fixloop/fixloop/internal/types"
)

// DefaultFilename is looked up in the target repository when --config is
// not given.
const DefaultFilename = "fixloop.yaml"

// FileConfig is the fixloop.yaml schema. Zero values mean "not set" and
// leave the default in place.
type FileConfig struct {
	MaxCycles      int      `yaml:"max_cycles"`
	StopOnVerdict  string   `yaml:"stop_on_verdict"`
	SeverityFilter []string `yaml:"severity_filter"`
	ApplyMode      string   `yaml:"apply_mode"`
	DeployMode     string   `yaml:"deploy_mode"`
	DeployCommand  string   `yaml:"deploy_command"`
	ScanCommand    string   `yaml:"scan_command"`
	LocalURL       string   `yaml:"local_url"`
	BudgetUSD      float64  `yaml:"budget_usd"`
	AgentTimeout   string   `yaml:"agent_timeout"`
	DeployTimeout  string   `yaml:"deploy_timeout"`
	ReadyTimeout   string   `yaml:"ready_timeout"`
	PollInterval   string   `yaml:"poll_interval"`
	PermissionMode string   `yaml:"permission_mode"`
	AllowedTools   []string `yaml:"allowed_tools"`
	RequireClean   *bool    `yaml:"require_clean"`
}

// Settings is the merged configuration handed to the CLI.
type Settings struct {
	Session     types.SessionConfig
	ScanCommand string
}

// Load reads the config file if it exists and applies FIXLOOP_* environment
// overrides on top of defaults. A missing file is not an error; a malformed
// one is.
func Load(path string) (*Settings, error) {
	settings := &Settings{Session: types.DefaultSessionConfig()}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else {
			var file FileConfig
			if err := yaml.Unmarshal(data, &file); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
			if err := applyFile(settings, &file); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
	}

	if err := applyEnv(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func applyFile(settings *Settings, file *FileConfig) error {
	s := &settings.Session

	if file.MaxCycles > 0 {
		s.MaxCycles = file.MaxCycles
	}
	if file.StopOnVerdict != "" {
		s.StopOnVerdict = file.StopOnVerdict
	}
	if len(file.SeverityFilter) > 0 {
		filter, err := parseSeverities(file.SeverityFilter)
		if err != nil {
			return err
		}
		s.SeverityFilter = filter
	}
	if file.ApplyMode != "" {
		s.ApplyMode = types.ApplyMode(file.ApplyMode)
	}
	if file.DeployMode != "" {
		s.DeployMode = types.DeployMode(file.DeployMode)
	}
	if file.DeployCommand != "" {
		s.DeployCommand = file.DeployCommand
	}
	if file.ScanCommand != "" {
		settings.ScanCommand = file.ScanCommand
	}
	if file.LocalURL != "" {
		s.LocalURL = file.LocalURL
	}
	if file.BudgetUSD > 0 {
		s.BudgetUSD = file.BudgetUSD
	}
	if file.PermissionMode != "" {
		s.PermissionMode = types.PermissionMode(file.PermissionMode)
	}
	if len(file.AllowedTools) > 0 {
		s.AllowedTools = file.AllowedTools
	}
	if file.RequireClean != nil {
		s.RequireClean = *file.RequireClean
	}

	for _, d := range []struct {
		raw  string
		dest *time.Duration
		name string
	}{
		{file.AgentTimeout, &s.AgentTimeout, "agent_timeout"},
		{file.DeployTimeout, &s.DeployTimeout, "deploy_timeout"},
		{file.ReadyTimeout, &s.ReadyTimeout, "ready_timeout"},
		{file.PollInterval, &s.PollInterval, "poll_interval"},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		*d.dest = parsed
	}

	return nil
}

// applyEnv overrides settings from FIXLOOP_* environment variables.
func applyEnv(settings *Settings) error {
	s := &settings.Session

	if v := os.Getenv("FIXLOOP_MAX_CYCLES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FIXLOOP_MAX_CYCLES %q: %w", v, err)
		}
		s.MaxCycles = n
	}
	if v := os.Getenv("FIXLOOP_STOP_ON_VERDICT"); v != "" {
		s.StopOnVerdict = v
	}
	if v := os.Getenv("FIXLOOP_SEVERITIES"); v != "" {
		filter, err := parseSeverities(strings.Split(v, ","))
		if err != nil {
			return fmt.Errorf("invalid FIXLOOP_SEVERITIES: %w", err)
		}
		s.SeverityFilter = filter
	}
	if v := os.Getenv("FIXLOOP_BUDGET_USD"); v != "" {
		budget, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid FIXLOOP_BUDGET_USD %q: %w", v, err)
		}
		s.BudgetUSD = budget
	}
	if v := os.Getenv("FIXLOOP_DEPLOY_COMMAND"); v != "" {
		s.DeployCommand = v
	}
	if v := os.Getenv("FIXLOOP_SCAN_COMMAND"); v != "" {
		settings.ScanCommand = v
	}
	if v := os.Getenv("FIXLOOP_AGENT_TIMEOUT"); v != "" {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FIXLOOP_AGENT_TIMEOUT %q: %w", v, err)
		}
		s.AgentTimeout = timeout
	}
	if v := os.Getenv("FIXLOOP_PERMISSION_MODE"); v != "" {
		s.PermissionMode = types.PermissionMode(v)
	}

	return nil
}

func parseSeverities(raw []string) ([]types.Severity, error) {
	var filter []types.Severity
	for _, r := range raw {
		sev := types.Severity(strings.TrimSpace(strings.ToLower(r)))
		if !sev.Valid() {
			return nil, fmt.Errorf("unknown severity %q", r)
		}
		filter = append(filter, sev)
	}
	return filter, nil
}

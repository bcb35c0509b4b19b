package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fixloop/fixloop/internal/agent"
	"github.com/fixloop/fixloop/internal/config"
	"github.com/fixloop/fixloop/internal/deploy"
	"github.com/fixloop/fixloop/internal/evaluation"
	"github.com/fixloop/fixloop/internal/orchestrator"
	"github.com/fixloop/fixloop/internal/report"
	"github.com/fixloop/fixloop/internal/types"
	"github.com/fixloop/fixloop/internal/vcs"
)

// scanTimeout bounds one run of the external evaluation pipeline.
const scanTimeout = 10 * time.Minute

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a fix session against a repository",
	Long: `Start the scan-fix-deploy-rescan loop for one repository.

The session needs a base findings report to work from. Supply one with
--report, or give --scan-command and --url and fixloop will run the
scan itself before the first cycle.

The loop runs in the foreground and streams session events until the
session reaches a terminal state. Ctrl+C requests a cooperative stop;
the in-flight cycle finishes first.

Examples:
  fixloop start --repo ~/webapp --report findings.json
  fixloop start --repo ~/webapp --scan-command "scanner --json {url}" --url http://localhost:3000
  fixloop start --repo ~/webapp --report findings.json --deploy-mode manual
  fixloop start --repo ~/webapp --report findings.json --severities critical,high,medium`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runStart(cmd); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	startCmd.Flags().String("repo", ".", "Path to the target repository")
	startCmd.Flags().String("report", "", "Path to a base findings report (JSON)")
	startCmd.Flags().String("url", "", "Target URL for the initial scan (with --scan-command)")
	startCmd.Flags().String("scan-command", "", "Scan command template; {url} is replaced with the target URL")
	startCmd.Flags().Int("max-cycles", 0, "Maximum fix cycles before stopping")
	startCmd.Flags().String("severities", "", "Comma-separated severity tiers to fix (critical,high,medium,low)")
	startCmd.Flags().String("stop-on-verdict", "", "Stop once the rescan verdict reaches this (GO, CONDITIONAL_GO, or never)")
	startCmd.Flags().String("apply-mode", "", "How agent edits are applied: branch or direct")
	startCmd.Flags().String("deploy-mode", "", "Deployment strategy: preview, local, or manual")
	startCmd.Flags().String("deploy-command", "", "Deploy command template; {branch} is replaced with the safety branch")
	startCmd.Flags().String("local-url", "", "Running app URL for local deploy mode")
	startCmd.Flags().Float64("budget", 0, "Per-cycle agent budget in USD")
	startCmd.Flags().Duration("agent-timeout", 0, "Maximum wall time for one agent invocation")
	startCmd.Flags().String("permission-mode", "", "Agent permission mode: bypass or cautious")
	startCmd.Flags().StringSlice("allowed-tools", nil, "Shell allow-list for cautious permission mode")
	startCmd.Flags().Bool("allow-dirty", false, "Start even if the working tree has uncommitted changes")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoPath, _ := cmd.Flags().GetString("repo")

	settings, err := loadSettings(repoPath)
	if err != nil {
		return err
	}
	cfg := settings.Session
	cfg.RepoPath = repoPath
	applyStartFlags(cmd, settings, &cfg)

	if settings.ScanCommand == "" {
		return fmt.Errorf("a scan command is required for rescans: set scan_command in %s or pass --scan-command", config.DefaultFilename)
	}
	scanner := evaluation.NewRescanner(
		evaluation.NewCommandEvaluator(settings.ScanCommand, cfg.RepoPath, scanTimeout))

	base, err := loadBaseReport(ctx, cmd, scanner)
	if err != nil {
		return err
	}

	orch, err := buildOrchestrator(ctx, scanner)
	if err != nil {
		return err
	}
	defer orch.Close()

	// Mark sessions abandoned by an earlier crash before starting a new one.
	if n, err := orch.Recover(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to recover interrupted sessions: %v\n", err)
	} else if n > 0 {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("%s Marked %d interrupted session(s) from a previous run\n", yellow("⚠"), n)
	}

	eventCh, subID := orch.Subscribe()
	defer orch.Unsubscribe(subID)

	sessionID, err := orch.Start(ctx, cfg, base)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Printf("%s Session %s started\n", green("✓"), cyan(sessionID))
	fmt.Printf("  Repo:      %s\n", cfg.RepoPath)
	fmt.Printf("  Findings:  %d at %s\n", report.FilterBySeverity(base, cfg.SeverityFilter).TotalFindings(), severityList(cfg.SeverityFilter))
	fmt.Printf("  Stop when: verdict %s, or after %d cycle(s)\n\n", cfg.StopOnVerdict, cfg.MaxCycles)

	// First Ctrl+C asks the session to stop after the current cycle; the
	// second abandons it immediately.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("\n%s Stop requested; finishing the current cycle (Ctrl+C again to abandon)\n", yellow("⚠"))
		if err := orch.RequestStop(ctx, sessionID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to request stop: %v\n", err)
		}
		<-sigCh
		cancel()
	}()

	done := make(chan struct{})
	go func() {
		orch.Wait(sessionID)
		close(done)
	}()

stream:
	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				break stream
			}
			if event.SessionID == sessionID {
				displayEvent(event)
			}
		case <-done:
			break stream
		}
	}

	return printSessionSummary(context.Background(), sessionID)
}

// loadSettings reads fixloop.yaml from --config or the repo root.
func loadSettings(repoPath string) (*config.Settings, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(repoPath, config.DefaultFilename)
	}
	return config.Load(path)
}

// applyStartFlags lays explicit flags over the file and environment
// configuration. Only flags the operator actually set are applied.
func applyStartFlags(cmd *cobra.Command, settings *config.Settings, cfg *types.SessionConfig) {
	flags := cmd.Flags()

	if flags.Changed("max-cycles") {
		cfg.MaxCycles, _ = flags.GetInt("max-cycles")
	}
	if flags.Changed("severities") {
		raw, _ := flags.GetString("severities")
		var filter []types.Severity
		for _, s := range strings.Split(raw, ",") {
			filter = append(filter, types.Severity(strings.TrimSpace(strings.ToLower(s))))
		}
		cfg.SeverityFilter = filter
	}
	if flags.Changed("stop-on-verdict") {
		cfg.StopOnVerdict, _ = flags.GetString("stop-on-verdict")
	}
	if flags.Changed("apply-mode") {
		mode, _ := flags.GetString("apply-mode")
		cfg.ApplyMode = types.ApplyMode(mode)
	}
	if flags.Changed("deploy-mode") {
		mode, _ := flags.GetString("deploy-mode")
		cfg.DeployMode = types.DeployMode(mode)
	}
	if flags.Changed("deploy-command") {
		cfg.DeployCommand, _ = flags.GetString("deploy-command")
	}
	if flags.Changed("local-url") {
		cfg.LocalURL, _ = flags.GetString("local-url")
	}
	if flags.Changed("budget") {
		cfg.BudgetUSD, _ = flags.GetFloat64("budget")
	}
	if flags.Changed("agent-timeout") {
		cfg.AgentTimeout, _ = flags.GetDuration("agent-timeout")
	}
	if flags.Changed("permission-mode") {
		mode, _ := flags.GetString("permission-mode")
		cfg.PermissionMode = types.PermissionMode(mode)
	}
	if flags.Changed("allowed-tools") {
		cfg.AllowedTools, _ = flags.GetStringSlice("allowed-tools")
	}
	if flags.Changed("allow-dirty") {
		allowDirty, _ := flags.GetBool("allow-dirty")
		cfg.RequireClean = !allowDirty
	}
	if flags.Changed("scan-command") {
		settings.ScanCommand, _ = flags.GetString("scan-command")
	}
}

// loadBaseReport reads the --report file, or runs the scan command against
// --url when no file is given.
func loadBaseReport(ctx context.Context, cmd *cobra.Command, scanner evaluation.Evaluator) (*report.Report, error) {
	reportPath, _ := cmd.Flags().GetString("report")
	if reportPath != "" {
		data, err := os.ReadFile(reportPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read report %s: %w", reportPath, err)
		}
		var base report.Report
		if err := json.Unmarshal(data, &base); err != nil {
			return nil, fmt.Errorf("failed to parse report %s: %w", reportPath, err)
		}
		return &base, nil
	}

	scanURL, _ := cmd.Flags().GetString("url")
	if scanURL == "" {
		return nil, fmt.Errorf("a base report is required: pass --report, or --scan-command with --url")
	}

	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Printf("%s Running initial scan against %s...\n", cyan("→"), scanURL)
	base, err := scanner.Evaluate(ctx, scanURL)
	if err != nil {
		return nil, fmt.Errorf("initial scan: %w", err)
	}
	return base, nil
}

// buildOrchestrator wires the production collaborators around the shared
// store.
func buildOrchestrator(ctx context.Context, scanner evaluation.Evaluator) (*orchestrator.Orchestrator, error) {
	git, err := vcs.NewGit(ctx)
	if err != nil {
		return nil, err
	}

	var messages *vcs.MessageGenerator
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		client := anthropic.NewClient(option.WithAPIKey(apiKey))
		// Haiku is plenty for one-line commit messages.
		messages = vcs.NewMessageGenerator(&client, "claude-3-5-haiku-20241022")
	}

	return orchestrator.New(orchestrator.Config{
		Store:     store,
		Invoker:   agent.NewClaudeCode(),
		VCS:       git,
		Deployer:  deploy.NewCommandDeployer(),
		Evaluator: scanner,
		Messages:  messages,
	})
}

// printSessionSummary reprints the final state after the stream ends.
func printSessionSummary(ctx context.Context, sessionID string) error {
	session, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	cycles, err := store.GetCycles(ctx, sessionID)
	if err != nil {
		return err
	}

	var totalCost float64
	var resolved int
	for _, c := range cycles {
		if c.Invocation != nil {
			totalCost += c.Invocation.CostUSD
		}
		if c.Delta != nil {
			resolved += len(c.Delta.Resolved)
		}
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	icon := green("✓")
	if session.Status == types.SessionFailed {
		icon = red("✗")
	}

	fmt.Printf("\n%s Session %s: %s", icon, session.ID, session.Status)
	if session.StopReason != "" {
		fmt.Printf(" (%s)", session.StopReason)
	}
	fmt.Println()
	fmt.Printf("  Cycles:   %d\n", len(cycles))
	fmt.Printf("  Resolved: %d finding(s)\n", resolved)
	fmt.Printf("  Cost:     $%.2f\n", totalCost)
	fmt.Printf("  Duration: %s\n", formatDuration(session.UpdatedAt.Sub(session.CreatedAt)))
	if session.SafetyBranch != "" {
		fmt.Printf("  Branch:   %s\n", session.SafetyBranch)
	}
	if session.Error != "" {
		fmt.Printf("  Error:    %s\n", session.Error)
	}
	return nil
}

func severityList(filter []types.Severity) string {
	parts := make([]string, len(filter))
	for i, s := range filter {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	return d.Round(time.Minute).String()
}

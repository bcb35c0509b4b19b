package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fixloop/fixloop/internal/storage"
	"github.com/fixloop/fixloop/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show session progress and cycle history",
	Long: `Display the state of a fix session: status, cycles, verdicts,
deltas, cost, and the safety branch.

Without a session ID the most recent sessions are listed.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		var err error
		if len(args) > 0 {
			err = showSession(ctx, args[0])
		} else {
			limit, _ := cmd.Flags().GetInt("limit")
			err = listRecentSessions(ctx, limit)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	statusCmd.Flags().IntP("limit", "n", 10, "Number of recent sessions to list")
	rootCmd.AddCommand(statusCmd)
}

func showSession(ctx context.Context, sessionID string) error {
	session, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	cycles, err := store.GetCycles(ctx, sessionID)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("=== Session "+session.ID+" ==="))
	fmt.Printf("  Status:   %s %s", statusIcon(session.Status), session.Status)
	if session.StopReason != "" {
		fmt.Printf(" (%s)", session.StopReason)
	}
	fmt.Println()
	fmt.Printf("  Repo:     %s\n", session.RepoPath)
	if session.SafetyBranch != "" {
		fmt.Printf("  Branch:   %s\n", session.SafetyBranch)
	}
	fmt.Printf("  Started:  %s\n", session.CreatedAt.Format("2006-01-02 15:04:05"))

	end := session.UpdatedAt
	if !session.Status.Terminal() {
		end = time.Now()
	}
	fmt.Printf("  Duration: %s\n", formatDuration(end.Sub(session.CreatedAt)))
	if session.Error != "" {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Printf("  Error:    %s\n", red(session.Error))
	}

	if len(cycles) == 0 {
		fmt.Printf("\n  %s\n\n", gray("No cycles yet"))
		return nil
	}

	var totalCost float64
	fmt.Printf("\n  Cycles:\n")
	for _, c := range cycles {
		line := fmt.Sprintf("    %d. %-12s", c.Number, c.Status)
		if c.Verdict != "" {
			line += fmt.Sprintf("  verdict %-14s score %.1f", c.Verdict, c.Score)
		}
		if c.Delta != nil {
			line += fmt.Sprintf("  %d resolved, %d new, %d unchanged",
				len(c.Delta.Resolved), len(c.Delta.New), len(c.Delta.Unchanged))
		}
		fmt.Println(line)
		if c.Deploy != nil && c.Deploy.URL != "" {
			fmt.Printf("       %s\n", gray(c.Deploy.URL))
		}
		if c.Error != "" {
			fmt.Printf("       %s\n", color.New(color.FgRed).Sprint(c.Error))
		}
		if c.Invocation != nil {
			totalCost += c.Invocation.CostUSD
		}
	}
	fmt.Printf("\n  Total cost: $%.2f\n\n", totalCost)
	return nil
}

func listRecentSessions(ctx context.Context, limit int) error {
	sessions, err := store.ListSessions(ctx, storage.SessionFilter{Limit: limit})
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		gray := color.New(color.FgHiBlack).SprintFunc()
		fmt.Printf("\n%s\n\n", gray("No sessions recorded"))
		return nil
	}

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Printf("\n%s\n\n", cyan("=== Recent Sessions ==="))
	for _, s := range sessions {
		fmt.Printf("  %s %s  cycle %d/%d  %s\n",
			statusIcon(s.Status), s.ID, s.CurrentCycle, s.Config.MaxCycles, s.RepoPath)
		detail := string(s.Status)
		if s.StopReason != "" {
			detail += " (" + string(s.StopReason) + ")"
		}
		gray := color.New(color.FgHiBlack).SprintFunc()
		fmt.Printf("    %s\n", gray(detail+", started "+s.CreatedAt.Format("2006-01-02 15:04")))
	}
	fmt.Println()
	return nil
}

func statusIcon(status types.SessionStatus) string {
	switch status {
	case types.SessionRunning:
		return color.New(color.FgGreen).Sprint("●")
	case types.SessionPaused:
		return color.New(color.FgYellow).Sprint("⏸")
	case types.SessionCompleted:
		return color.New(color.FgGreen).Sprint("✓")
	case types.SessionFailed:
		return color.New(color.FgRed).Sprint("✗")
	case types.SessionStopped:
		return color.New(color.FgHiBlack).Sprint("○")
	default:
		return " "
	}
}

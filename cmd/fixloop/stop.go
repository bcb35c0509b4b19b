package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fixloop/fixloop/internal/storage"
	"github.com/fixloop/fixloop/internal/types"
)

var stopCmd = &cobra.Command{
	Use:   "stop [session-id]",
	Short: "Request a cooperative stop of a running session",
	Long: `Ask a running or paused session to stop.

The stop is cooperative: the session finishes its current cycle,
commits or records whatever the cycle produced, and then halts with
stop reason operator_stop. An in-flight agent run is never killed.

Without a session ID the single active session is stopped.

Example:
  $ fixloop stop
  ✓ Stop requested for session 4f1c...; it will halt after the current cycle`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sessionID := ""
		if len(args) > 0 {
			sessionID = args[0]
		}
		if err := requestStop(context.Background(), sessionID); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func requestStop(ctx context.Context, sessionID string) error {
	session, err := resolveSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return fmt.Errorf("session %s already %s", session.ID, session.Status)
	}

	if err := store.SetStopRequested(ctx, session.ID); err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s Stop requested for session %s; it will halt after the current cycle\n", green("✓"), session.ID)
	return nil
}

// resolveSession looks up the given session, or the single active one when
// no ID is given.
func resolveSession(ctx context.Context, sessionID string) (*types.FixSession, error) {
	if sessionID != "" {
		return store.GetSession(ctx, sessionID)
	}

	active, err := activeSessions(ctx)
	if err != nil {
		return nil, err
	}
	switch len(active) {
	case 0:
		return nil, fmt.Errorf("no active session found")
	case 1:
		return active[0], nil
	default:
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("%s Multiple active sessions:\n", yellow("⚠"))
		for _, s := range active {
			fmt.Printf("  %s  %s  (%s)\n", s.ID, s.RepoPath, s.Status)
		}
		return nil, fmt.Errorf("pass the session ID to disambiguate")
	}
}

func activeSessions(ctx context.Context) ([]*types.FixSession, error) {
	var active []*types.FixSession
	for _, status := range []types.SessionStatus{types.SessionRunning, types.SessionPaused} {
		sessions, err := store.ListSessions(ctx, storage.SessionFilter{Status: status})
		if err != nil {
			return nil, err
		}
		active = append(active, sessions...)
	}
	return active, nil
}

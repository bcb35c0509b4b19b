package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fixloop/fixloop/internal/types"
)

var advanceCmd = &cobra.Command{
	Use:   "advance <deployment-url>",
	Short: "Resume a manually paused session with a deployment URL",
	Long: `Hand a deployment URL to a session paused in manual deploy mode.

In manual mode the loop pauses after each fix phase so the operator can
deploy the safety branch themselves. Once the deployment is up, advance
resumes the session: fixloop verifies the URL answers and rescans it.

Without --session the single paused session is advanced.

Example:
  $ fixloop advance https://myapp-pr-42.preview.example.com
  ✓ Session 4f1c... will resume against https://myapp-pr-42.preview.example.com`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sessionID, _ := cmd.Flags().GetString("session")
		if err := advanceSession(context.Background(), sessionID, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	advanceCmd.Flags().String("session", "", "Session ID (defaults to the single paused session)")
	rootCmd.AddCommand(advanceCmd)
}

func advanceSession(ctx context.Context, sessionID, url string) error {
	session, err := resolvePausedSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != types.SessionPaused {
		return fmt.Errorf("session %s is %s, not paused", session.ID, session.Status)
	}
	if session.Config.DeployMode != types.DeployManual {
		return fmt.Errorf("session %s is not in manual deploy mode", session.ID)
	}

	if err := store.SetAdvanceURL(ctx, session.ID, url); err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s Session %s will resume against %s\n", green("✓"), session.ID, url)
	return nil
}

func resolvePausedSession(ctx context.Context, sessionID string) (*types.FixSession, error) {
	if sessionID != "" {
		return store.GetSession(ctx, sessionID)
	}

	active, err := activeSessions(ctx)
	if err != nil {
		return nil, err
	}
	var paused []*types.FixSession
	for _, s := range active {
		if s.Status == types.SessionPaused {
			paused = append(paused, s)
		}
	}
	switch len(paused) {
	case 0:
		return nil, fmt.Errorf("no paused session found")
	case 1:
		return paused[0], nil
	default:
		return nil, fmt.Errorf("multiple paused sessions; pass --session to disambiguate")
	}
}

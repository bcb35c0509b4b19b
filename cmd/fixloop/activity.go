package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fixloop/fixloop/internal/events"
)

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Show recent audit-trail events",
	Long: `Display recent events from the fixloop audit trail.

Shows the session lifecycle as it was recorded: cycle starts, agent
runs, commits, deployments, rescans, deltas, and errors.

Examples:
  fixloop activity                 # Show last 20 events across sessions
  fixloop activity -n 50           # Show last 50 events
  fixloop activity --session <id>  # Show events for one session`,
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		sessionID, _ := cmd.Flags().GetString("session")

		ctx := context.Background()
		var eventList []*events.FixEvent
		var err error
		if sessionID != "" {
			eventList, err = store.GetEventsBySession(ctx, sessionID, limit)
		} else {
			eventList, err = store.GetRecentEvents(ctx, limit)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error fetching events: %v\n", err)
			os.Exit(1)
		}

		if len(eventList) == 0 {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("\n%s No events recorded\n\n", yellow("ℹ"))
			return
		}

		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("\n%s Recent activity (%d events):\n\n", cyan("→"), len(eventList))
		if sessionID != "" {
			// Session queries come back oldest first already.
			for _, event := range eventList {
				displayEvent(event)
			}
		} else {
			// Recent queries come back newest first; flip so the terminal
			// reads top to bottom.
			for i := len(eventList) - 1; i >= 0; i-- {
				displayEvent(eventList[i])
			}
		}
		fmt.Println()
	},
}

func init() {
	activityCmd.Flags().IntP("limit", "n", 20, "Number of events to show")
	activityCmd.Flags().String("session", "", "Only show events for this session")
	rootCmd.AddCommand(activityCmd)
}

package main

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/fixloop/fixloop/internal/events"
)

// displayEvent prints one audit-trail event as a single line:
// glyph [timestamp] cycle type: message
func displayEvent(event *events.FixEvent) {
	glyph := eventGlyph(event)
	timestamp := event.Timestamp.Format("15:04:05")

	cycle := "  -"
	if event.CycleNumber > 0 {
		cycle = fmt.Sprintf("c%-2d", event.CycleNumber)
	}

	typeColor := color.New(color.FgMagenta).SprintFunc()
	fmt.Printf("%s [%s] %s %s: %s\n",
		glyph,
		timestamp,
		cycle,
		typeColor(string(event.Type)),
		severityColor(event.Severity)(event.Message),
	)
}

func eventGlyph(event *events.FixEvent) string {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	switch event.Type {
	case events.EventTypeSessionStarted, events.EventTypeCycleStarted:
		return cyan("▶")
	case events.EventTypeSessionCompleted, events.EventTypeCycleCompleted,
		events.EventTypeFixCompleted, events.EventTypeDeployCompleted,
		events.EventTypeRescanCompleted, events.EventTypeTargetReady,
		events.EventTypeChangesCommitted:
		return green("✓")
	case events.EventTypeSessionPaused, events.EventTypeStopRequested,
		events.EventTypeBudgetExceeded:
		return yellow("⚠")
	case events.EventTypeError:
		return red("✗")
	case events.EventTypeBranchCreated, events.EventTypeURLDiscovered,
		events.EventTypeDeltaComputed:
		return cyan("ℹ")
	default:
		return cyan("→")
	}
}

func severityColor(severity events.EventSeverity) func(a ...interface{}) string {
	switch severity {
	case events.SeverityError:
		return color.New(color.FgRed).SprintFunc()
	case events.SeverityWarning:
		return color.New(color.FgYellow).SprintFunc()
	default:
		return fmt.Sprint
	}
}

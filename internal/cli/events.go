package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/audit"
)

var eventsFlags struct {
	since     time.Duration
	category  string
	severity  string
	eventType string
	session   string
	limit     int
}

func init() {
	eventsCmd.RunE = runEvents
	eventsCmd.Flags().DurationVar(&eventsFlags.since, "since", 24*time.Hour, "Search events newer than this (e.g. 1h, 168h)")
	eventsCmd.Flags().StringVar(&eventsFlags.category, "category", "", "Filter by category (e.g. INPUT_VALIDATION)")
	eventsCmd.Flags().StringVar(&eventsFlags.severity, "severity", "", "Filter by severity (INFO, WARNING, ERROR, CRITICAL)")
	eventsCmd.Flags().StringVar(&eventsFlags.eventType, "type", "", "Filter by event type (e.g. INJECTION_ATTEMPT)")
	eventsCmd.Flags().StringVar(&eventsFlags.session, "session", "", "Filter by session id")
	eventsCmd.Flags().IntVar(&eventsFlags.limit, "limit", 100, "Maximum number of events to show")
}

// runEvents searches the persisted security log without starting the gateway
func runEvents(cmd *cobra.Command, args []string) error {
	to := time.Now().UTC()
	from := to.Add(-eventsFlags.since)

	events, err := audit.Search(cfg.Security.LogDir, from, to, audit.Filter{
		Type:      eventsFlags.eventType,
		Category:  audit.Category(strings.ToUpper(eventsFlags.category)),
		Severity:  audit.Severity(strings.ToUpper(eventsFlags.severity)),
		SessionID: eventsFlags.session,
		Limit:     eventsFlags.limit,
	})
	if err != nil {
		return fmt.Errorf("failed to search security log: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, events)
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "No security events found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tSEVERITY\tCATEGORY\tTYPE\tSESSION") //nolint:errcheck // output to stdout
	for _, ev := range events {
		sid := ev.SessionID
		if sid == "" {
			sid = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", //nolint:errcheck // output to stdout
			ev.Timestamp.Local().Format(time.DateTime), ev.Severity, ev.Category, ev.Type, sid)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%d event(s) since %s\n", len(events), from.Local().Format(time.DateTime))
	return nil
}

package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	json "github.com/goccy/go-json"

	"github.com/kimhsiao/pricewatch/backend/internal/models"
	"github.com/kimhsiao/pricewatch/backend/internal/sync/conflict"
)

var (
	red    = color.New(color.FgHiRed, color.Bold).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// now is replaced in tests so relative times are stable.
var now = time.Now

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func severity(s models.Severity) string {
	switch s {
	case models.SeverityHigh:
		return red(string(s))
	case models.SeverityMedium:
		return yellow(string(s))
	default:
		return green(string(s))
	}
}

func status(s models.ConflictStatus) string {
	if s == models.ConflictStatusPending {
		return yellow(string(s))
	}
	return green(string(s))
}

func ago(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return humanize.RelTime(time.UnixMilli(ms), now(), "ago", "from now")
}

func printConflicts(w io.Writer, conflicts []*models.Conflict) error {
	if len(conflicts) == 0 {
		_, err := fmt.Fprintln(w, "No conflicts.")
		return err
	}

	tw := newTable(w)
	fmt.Fprintln(tw, bold("ID\tENTITY\tTYPE\tSEVERITY\tSTATUS\tDETECTED"))
	for _, c := range conflicts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.EntityID, c.Type, severity(c.Severity), status(c.Status), ago(c.DetectedAt))
	}
	return tw.Flush()
}

func printConflict(w io.Writer, c *models.Conflict) error {
	fmt.Fprintf(w, "%s %s\n", bold("Conflict"), cyan(c.ID))
	fmt.Fprintf(w, "  Entity:      %s\n", c.EntityID)
	fmt.Fprintf(w, "  Type:        %s (%s)\n", c.Type, severity(c.Severity))
	fmt.Fprintf(w, "  Action:      %s\n", c.Action)
	fmt.Fprintf(w, "  Description: %s\n", c.Description)
	fmt.Fprintf(w, "  Status:      %s\n", status(c.Status))
	fmt.Fprintf(w, "  Detected:    %s\n", ago(c.DetectedAt))
	if c.Resolution != nil {
		fmt.Fprintf(w, "  Resolution:  %s via %s by %s, %s\n",
			c.Resolution.Resolution, c.Resolution.Strategy.ID, c.Resolution.ResolvedBy, ago(c.ResolvedAt))
	}
	return nil
}

func printResolutions(w io.Writer, resolutions []*models.ConflictResolution) error {
	if len(resolutions) == 0 {
		_, err := fmt.Fprintln(w, "No resolutions.")
		return err
	}

	tw := newTable(w)
	fmt.Fprintln(tw, bold("CONFLICT\tOUTCOME\tSTRATEGY\tBY\tRESOLVED\tDETAILS"))
	for _, r := range resolutions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ConflictID, green(string(r.Resolution)), r.Strategy.ID, r.ResolvedBy, ago(r.ResolvedAt), r.Details)
	}
	return tw.Flush()
}

func printResolution(w io.Writer, r *models.ConflictResolution, persisted bool) error {
	verb := "Resolved"
	if !persisted {
		verb = "Proposed"
	}
	_, err := fmt.Fprintf(w, "%s %s: %s (%s, by %s)\n",
		verb, cyan(r.ConflictID), green(string(r.Resolution)), r.Strategy.Name, r.ResolvedBy)
	return err
}

func printStatistics(w io.Writer, stats *models.ConflictStatistics) error {
	fmt.Fprintf(w, "%s %s  %s %s  %s %s\n",
		bold("Total:"), humanize.Comma(int64(stats.Total)),
		bold("Pending:"), yellow(humanize.Comma(int64(stats.Pending))),
		bold("Resolved:"), green(humanize.Comma(int64(stats.Resolved))))

	tw := newTable(w)
	fmt.Fprintln(tw, bold("TYPE\tCOUNT"))
	for _, t := range models.ConflictTypes {
		fmt.Fprintf(tw, "%s\t%d\n", t, stats.ByType[t])
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, bold("SEVERITY\tCOUNT"))
	for _, s := range []models.Severity{models.SeverityHigh, models.SeverityMedium, models.SeverityLow} {
		fmt.Fprintf(tw, "%s\t%d\n", severity(s), stats.BySeverity[s])
	}
	return tw.Flush()
}

func printDetection(w io.Writer, result *conflict.DetectionResult) error {
	if !result.HasConflicts {
		_, err := fmt.Fprintln(w, green("No conflicts detected."))
		return err
	}
	fmt.Fprintf(w, "%s %d conflict(s)\n", red("Detected"), len(result.Conflicts))
	if err := printConflicts(w, result.Conflicts); err != nil {
		return err
	}
	fmt.Fprintln(w)
	return printStrategies(w, result.ResolutionSuggestions)
}

func printStrategies(w io.Writer, strategies []models.ResolutionStrategy) error {
	sorted := append([]models.ResolutionStrategy(nil), strategies...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	tw := newTable(w)
	fmt.Fprintln(tw, bold("ID\tNAME\tAUTOMATIC\tPRIORITY\tDESCRIPTION"))
	for _, s := range sorted {
		auto := "no"
		if s.Automatic {
			auto = green("yes")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", cyan(s.ID), s.Name, auto, s.Priority, s.Description)
	}
	return tw.Flush()
}

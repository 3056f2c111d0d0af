package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/rsclarke/flashguard/internal/flash"
	"github.com/rsclarke/flashguard/internal/models"
	"github.com/rsclarke/flashguard/internal/validator"
)

func riskColor(r models.RiskLevel) color.Attribute {
	switch r {
	case models.RiskMinimal, models.RiskLow:
		return color.FgGreen
	case models.RiskMedium:
		return color.FgYellow
	}
	return color.FgRed
}

func stageColor(s flash.Stage) color.Attribute {
	switch s {
	case flash.StageCompleted:
		return color.FgGreen
	case flash.StageRestored, flash.StageRestoring:
		return color.FgYellow
	case flash.StageFailed:
		return color.FgRed
	}
	return color.FgCyan
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printVerdict(w io.Writer, res validator.Result) {
	verdict := "SAFE"
	if res.Blocked() {
		verdict = "BLOCKED"
	}
	fmt.Fprint(w, "Verdict: ")
	color.New(riskColor(res.RiskLevel)).Fprintf(w, "%s (risk %s)\n", verdict, res.RiskLevel)
	fmt.Fprintf(w, "Checksum valid: %t  Parameters in envelope: %t  Expert review: %t\n",
		res.ChecksumValid, res.ParameterCheckPassed, res.RequiresExpertReview)
	if size, ok := res.ValidationData["content_size"].(int); ok {
		fmt.Fprintf(w, "Image size: %s\n", humanize.Bytes(uint64(size)))
	}
	for _, v := range res.Violations {
		color.New(color.FgRed).Fprintf(w, "  violation: %s\n", v)
	}
	for _, v := range res.Warnings {
		color.New(color.FgYellow).Fprintf(w, "  warning:   %s\n", v)
	}
}

func printStatus(w io.Writer, st *flash.Status) {
	fmt.Fprintf(w, "Session %s  user %s  device %s (%s)\n", st.SessionID, st.UserID, st.Device.ID, st.Device.Category)
	fmt.Fprint(w, "Stage: ")
	color.New(stageColor(st.Stage)).Fprintf(w, "%s %d%%\n", st.Stage, st.Progress)
	if st.BackupURL != "" {
		fmt.Fprintf(w, "Backup: %s (verified %t)\n", st.BackupURL, st.BackupVerified)
	}
	if st.DurationSeconds != nil {
		fmt.Fprintf(w, "Duration: %s\n", (time.Duration(*st.DurationSeconds * float64(time.Second))).Round(time.Millisecond))
	}
	for _, l := range st.Logs {
		fmt.Fprintf(w, "  %-19s  %-12s %3d%%\n", time.Unix(l.Timestamp, 0).Format("2006-01-02 15:04:05"), l.Stage, l.Progress)
	}
	for _, e := range st.Errors {
		color.New(color.FgRed).Fprintf(w, "  error:   %s\n", e)
	}
	for _, warn := range st.Warnings {
		color.New(color.FgYellow).Fprintf(w, "  warning: %s\n", warn)
	}
}

func ago(unix int64) string {
	return humanize.Time(time.Unix(unix, 0))
}

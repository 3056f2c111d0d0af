package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rsclarke/flashguard/internal/db"
	"github.com/rsclarke/flashguard/internal/models"
)

var auditFlags struct {
	session string
	action  string
	after   int64
	limit   int
	json    bool
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List audit log entries in sequence order",
	RunE:  runAudit,
}

var incidentsFlags struct {
	session string
	json    bool
}

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "List recorded incidents",
	RunE:  runIncidents,
}

func init() {
	rootCmd.AddCommand(auditCmd, incidentsCmd)

	auditCmd.Flags().StringVar(&auditFlags.session, "session", "", "only entries of this session")
	auditCmd.Flags().StringVar(&auditFlags.action, "action", "", "only entries with this action")
	auditCmd.Flags().Int64Var(&auditFlags.after, "after", 0, "only entries after this sequence number")
	auditCmd.Flags().IntVar(&auditFlags.limit, "limit", 0, "maximum entries to list")
	auditCmd.Flags().BoolVar(&auditFlags.json, "json", false, "print JSON")

	incidentsCmd.Flags().StringVar(&incidentsFlags.session, "session", "", "only incidents of this session")
	incidentsCmd.Flags().BoolVar(&incidentsFlags.json, "json", false, "print JSON")
}

func runAudit(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	entries, err := env.recorder.ListEntries(cmd.Context(), db.AuditFilter{
		SessionID: auditFlags.session,
		Action:    auditFlags.action,
		AfterSeq:  auditFlags.after,
		Limit:     auditFlags.limit,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if auditFlags.json {
		return printJSON(out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries found.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%6d  %-19s  %-26s  %-12s  %s\n",
			e.Seq, time.Unix(e.CreatedAt, 0).Format("2006-01-02 15:04:05"), e.Action, e.Actor, e.Description)
	}
	return nil
}

func runIncidents(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	incidents, err := env.recorder.ListIncidents(cmd.Context(), incidentsFlags.session)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if incidentsFlags.json {
		return printJSON(out, incidents)
	}
	if len(incidents) == 0 {
		fmt.Fprintln(out, "No incidents found.")
		return nil
	}
	for _, in := range incidents {
		attr := color.FgYellow
		if in.Severity == models.SeverityCritical {
			attr = color.FgRed
		}
		color.New(attr).Fprintf(out, "%-8s", in.Severity)
		fmt.Fprintf(out, "  %s  %-12s  %s  (%s)\n", in.SessionID, in.Stage, in.Error, ago(in.CreatedAt))
	}
	return nil
}

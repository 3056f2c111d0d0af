package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rsclarke/flashguard/internal/db"
	"github.com/rsclarke/flashguard/internal/transport"
)

var statusFlags struct {
	json bool
}

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a flash session",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var sessionsFlags struct {
	user  string
	limit int
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List flash sessions, newest first",
	RunE:  runSessions,
}

func init() {
	rootCmd.AddCommand(statusCmd, sessionsCmd)

	statusCmd.Flags().BoolVar(&statusFlags.json, "json", false, "print JSON")
	sessionsCmd.Flags().StringVar(&sessionsFlags.user, "user", "", "only sessions of this user")
	sessionsCmd.Flags().IntVar(&sessionsFlags.limit, "limit", 50, "maximum sessions to list")
}

func runStatus(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	engine, err := env.newEngine(transport.NewSimulator())
	if err != nil {
		return err
	}
	st, err := engine.Status(args[0])
	if err != nil {
		return err
	}
	if statusFlags.json {
		return printJSON(cmd.OutOrStdout(), st)
	}
	printStatus(cmd.OutOrStdout(), st)
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	sessions, err := db.ListSessions(env.db, sessionsFlags.user, sessionsFlags.limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}

	fmt.Fprintf(out, "%-36s  %-12s  %-10s  %-12s  %4s  %s\n", "SESSION", "USER", "DEVICE", "STAGE", "PCT", "CREATED")
	for _, s := range sessions {
		fmt.Fprintf(out, "%-36s  %-12s  %-10s  %-12s  %3d%%  %s\n", s.ID, s.UserID, s.DeviceID, s.CurrentStage, s.Progress, ago(s.CreatedAt))
	}
	return nil
}

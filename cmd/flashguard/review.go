package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rsclarke/flashguard/internal/models"
	"github.com/rsclarke/flashguard/internal/transport"
)

var reviewFlags struct {
	reviewer string
	decision string
	notes    string
}

var reviewCmd = &cobra.Command{
	Use:   "review <validation-id>",
	Short: "Record an expert decision on a validation awaiting review",
	Long: `Mark a CONDITIONAL, REQUIRES_REVIEW or PENDING validation as PASSED or
FAILED. The decision is audited before it is stored.`,
	Args: cobra.ExactArgs(1),
	RunE: runReview,
}

func init() {
	rootCmd.AddCommand(reviewCmd)

	reviewCmd.Flags().StringVar(&reviewFlags.reviewer, "reviewer", getEnv("FLASHGUARD_USER", ""), "reviewer ID")
	reviewCmd.Flags().StringVar(&reviewFlags.decision, "decision", "", "PASSED or FAILED")
	reviewCmd.Flags().StringVar(&reviewFlags.notes, "notes", "", "review notes")
	_ = reviewCmd.MarkFlagRequired("decision")
}

func runReview(cmd *cobra.Command, args []string) error {
	if reviewFlags.reviewer == "" {
		return fmt.Errorf("--reviewer is required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid validation id %q", args[0])
	}

	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	// reviews never touch a device
	engine, err := env.newEngine(transport.NewSimulator())
	if err != nil {
		return err
	}

	decision := models.ValidationStatus(strings.ToUpper(reviewFlags.decision))
	tv, err := engine.ReviewValidation(cmd.Context(), id, reviewFlags.reviewer, decision, reviewFlags.notes)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "validation %d of %s is now %s (reviewed by %s)\n", tv.ID, tv.PayloadID, tv.Status, reviewFlags.reviewer)
	return nil
}

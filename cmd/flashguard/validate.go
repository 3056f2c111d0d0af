package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rsclarke/flashguard/internal/advisory"
	"github.com/rsclarke/flashguard/internal/calibration"
)

var validateFlags struct {
	category string
	advisory string
	json     bool
}

var validateCmd = &cobra.Command{
	Use:   "validate <payload.json>",
	Short: "Grade a calibration against a vehicle profile",
	Long: `Decode an extracted calibration payload, run every safety check against the
profile of the given category and print the verdict. Nothing is stored.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&validateFlags.category, "category", getEnv("FLASHGUARD_CATEGORY", ""), "vehicle category")
	validateCmd.Flags().StringVar(&validateFlags.advisory, "advisory", "", "file holding advisory scorer output to show alongside the verdict")
	validateCmd.Flags().BoolVar(&validateFlags.json, "json", false, "print JSON")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := loadRegistry(cfg)
	if err != nil {
		return err
	}
	v, err := newValidator(cfg)
	if err != nil {
		return err
	}

	p, err := calibration.DecodeFile(args[0])
	if err != nil {
		return err
	}
	if validateFlags.category == "" {
		return fmt.Errorf("--category is required")
	}
	prof, ok := reg.Lookup(validateFlags.category)
	if !ok {
		return fmt.Errorf("unknown vehicle category %q", validateFlags.category)
	}
	res := v.Validate(p, prof)

	var hint *advisory.Hint
	if validateFlags.advisory != "" {
		scorer := advisory.ScorerFunc(func(context.Context, *calibration.Payload) ([]byte, error) {
			return os.ReadFile(validateFlags.advisory)
		})
		h, err := advisory.Fetch(cmd.Context(), scorer, p)
		if err != nil {
			return err
		}
		hint = &h
	}

	out := cmd.OutOrStdout()
	if validateFlags.json {
		return printJSON(out, struct {
			PayloadID string         `json:"payload_id"`
			Category  string         `json:"category"`
			Verdict   any            `json:"verdict"`
			Advisory  *advisory.Hint `json:"advisory,omitempty"`
		}{p.ID, prof.Category, res, hint})
	}

	fmt.Fprintf(out, "Payload %s (%s) against %s\n", p.ID, p.Name, prof.Category)
	printVerdict(out, res)
	if hint != nil {
		fmt.Fprintf(out, "Advisory (not binding): %s %s\n", hint.RiskHint, hint.Explanation)
	}
	if res.Blocked() {
		return fmt.Errorf("calibration blocked at risk %s", res.RiskLevel)
	}
	return nil
}

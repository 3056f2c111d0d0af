package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var profilesFlags struct {
	json bool
}

var profilesCmd = &cobra.Command{
	Use:   "profiles [category]",
	Short: "List vehicle safety profiles",
	Long:  `List the registered vehicle categories with their safety envelopes, or show one category in full.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProfiles,
}

func init() {
	rootCmd.AddCommand(profilesCmd)

	profilesCmd.Flags().BoolVar(&profilesFlags.json, "json", false, "print JSON")
}

func runProfiles(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := loadRegistry(cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		p, ok := reg.Lookup(args[0])
		if !ok {
			return fmt.Errorf("unknown vehicle category %q", args[0])
		}
		return printJSON(out, p)
	}

	if profilesFlags.json {
		var all []any
		for _, c := range reg.Categories() {
			p, _ := reg.Lookup(c)
			all = append(all, p)
		}
		return printJSON(out, all)
	}

	fmt.Fprintf(out, "%-10s  %7s  %-19s  %-11s  %5s  %s\n", "CATEGORY", "MAX RPM", "AFR (min-max)", "IGNITION", "BOOST", "FLAGS")
	for _, c := range reg.Categories() {
		p, _ := reg.Lookup(c)
		flags := ""
		if p.RequiresExpertReview {
			flags += "expert-review "
		}
		if p.TrackOnlyCategory {
			flags += "track-only"
		}
		fmt.Fprintf(out, "%-10s  %7d  %5.1f-%-13.1f  %4.0f..%-5.0f  %5.0f  %s\n",
			p.Category, p.MaxRPM, p.MinAFR, p.MaxAFR, p.MinIgnitionAdvance, p.MaxIgnitionAdvance, p.MaxBoostPSI, flags)
	}
	return nil
}

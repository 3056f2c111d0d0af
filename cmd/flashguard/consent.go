package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rsclarke/flashguard/internal/calibration"
	"github.com/rsclarke/flashguard/internal/consent"
	"github.com/rsclarke/flashguard/internal/models"
)

var consentFlags struct {
	ipAddress string
	userAgent string
	category  string
	year      int
}

var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Grant, revoke and check rider consents",
}

var consentGrantCmd = &cobra.Command{
	Use:   "grant <user> <type>...",
	Short: "Grant consents at their current document version",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runConsentGrant,
}

var consentRevokeCmd = &cobra.Command{
	Use:   "revoke <user> <type>",
	Short: "Revoke every active grant of a consent",
	Args:  cobra.ExactArgs(2),
	RunE:  runConsentRevoke,
}

var consentCheckCmd = &cobra.Command{
	Use:   "check <user> <payload.json>",
	Short: "Show which consents flashing a payload requires and which are held",
	Args:  cobra.ExactArgs(2),
	RunE:  runConsentCheck,
}

func init() {
	rootCmd.AddCommand(consentCmd)
	consentCmd.AddCommand(consentGrantCmd, consentRevokeCmd, consentCheckCmd)

	consentGrantCmd.Flags().StringVar(&consentFlags.ipAddress, "ip", "", "client IP address to record")
	consentGrantCmd.Flags().StringVar(&consentFlags.userAgent, "user-agent", "flashguard-cli", "client user agent to record")

	consentCheckCmd.Flags().StringVar(&consentFlags.category, "category", getEnv("FLASHGUARD_CATEGORY", ""), "vehicle category")
	consentCheckCmd.Flags().IntVar(&consentFlags.year, "year", getEnvInt("FLASHGUARD_FIRMWARE_YEAR", 0), "ECU firmware year")
}

func parseConsentType(s string) models.ConsentType {
	return models.ConsentType(strings.ToUpper(strings.TrimSpace(s)))
}

func runConsentGrant(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	for _, t := range args[1:] {
		rec, err := env.ledger.Grant(cmd.Context(), consent.GrantRequest{
			UserID:    args[0],
			Type:      parseConsentType(t),
			IPAddress: consentFlags.ipAddress,
			UserAgent: consentFlags.userAgent,
		})
		if err != nil {
			return err
		}
		expires := "never"
		if rec.ExpiresAt != nil {
			expires = ago(*rec.ExpiresAt)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "granted %s v%s to %s (expires %s)\n", rec.Type, rec.Version, rec.UserID, expires)
	}
	return nil
}

func runConsentRevoke(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	n, err := env.ledger.Revoke(cmd.Context(), args[0], parseConsentType(args[1]))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "revoked %d grant(s) of %s for %s\n", n, parseConsentType(args[1]), args[0])
	return nil
}

func runConsentCheck(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	p, err := calibration.DecodeFile(args[1])
	if err != nil {
		return err
	}
	if consentFlags.category == "" {
		return fmt.Errorf("--category is required")
	}
	prof, ok := env.registry.Lookup(consentFlags.category)
	if !ok {
		return fmt.Errorf("unknown vehicle category %q", consentFlags.category)
	}
	verdict := env.validator.Validate(p, prof)
	device := models.Device{Category: prof.Category, FirmwareYear: consentFlags.year}
	required := env.consentPolicy().Required(p, device, verdict.RiskLevel)

	check, err := env.ledger.CheckConsents(cmd.Context(), args[0], required)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, t := range check.Granted {
		color.New(color.FgGreen).Fprintf(out, "  granted  %s\n", t)
	}
	for _, t := range check.Expired {
		color.New(color.FgYellow).Fprintf(out, "  expired  %s\n", t)
	}
	for _, t := range check.Missing {
		color.New(color.FgRed).Fprintf(out, "  missing  %s\n", t)
	}
	if !check.OK {
		return fmt.Errorf("%d required consent(s) not held", len(check.Missing)+len(check.Expired))
	}
	return nil
}

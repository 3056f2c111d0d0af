package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/flashguard/internal/logging"
)

var logger *zap.Logger

var rootFlags struct {
	configPath   string
	dbPath       string
	backupDir    string
	profilesPath string
}

var rootCmd = &cobra.Command{
	Use:   "flashguard",
	Short: "ECU flash safety validation and orchestration",
	Long: `flashguard grades motorcycle ECU calibrations against per-category safety
envelopes, tracks rider consents and drives flash sessions through backup,
validation, pre-checks, write and verification with automatic restore.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.FromEnv())
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.configPath, "config", os.Getenv("FLASHGUARD_CONFIG"), "path to YAML config file")
	pf.StringVar(&rootFlags.dbPath, "db", "", "database path (overrides config and FLASHGUARD_DB)")
	pf.StringVar(&rootFlags.backupDir, "backup-dir", "", "backup directory (overrides config and FLASHGUARD_BACKUP_DIR)")
	pf.StringVar(&rootFlags.profilesPath, "profiles", "", "profile table YAML (default: built-in profiles)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return defaultVal
}

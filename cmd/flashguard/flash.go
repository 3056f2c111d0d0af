package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/flashguard/internal/advisory"
	"github.com/rsclarke/flashguard/internal/calibration"
	"github.com/rsclarke/flashguard/internal/events"
	"github.com/rsclarke/flashguard/internal/flash"
	"github.com/rsclarke/flashguard/internal/logging"
	"github.com/rsclarke/flashguard/internal/models"
	"github.com/rsclarke/flashguard/internal/transport"
)

var flashFlags struct {
	user            string
	device          string
	category        string
	ecu             string
	year            int
	image           string
	advisory        string
	safeMode        bool
	confirmSafety   bool
	forceRevalidate bool
	faults          []string
	writeDelay      time.Duration
	json            bool
}

var flashCmd = &cobra.Command{
	Use:   "flash <payload.json>",
	Short: "Run a full flash session against the device simulator",
	Long: `Create a flash session for the payload and drive it through backup,
validation, pre-checks, write, verification and post-checks against the
in-process device simulator. Faults can be injected to exercise the
failure and restore path. SIGINT requests an emergency stop.`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)

	f := flashCmd.Flags()
	f.StringVar(&flashFlags.user, "user", getEnv("FLASHGUARD_USER", ""), "rider user ID")
	f.StringVar(&flashFlags.device, "device", "bike-1", "device ID")
	f.StringVar(&flashFlags.category, "category", getEnv("FLASHGUARD_CATEGORY", ""), "vehicle category")
	f.StringVar(&flashFlags.ecu, "ecu", "", "ECU type")
	f.IntVar(&flashFlags.year, "year", getEnvInt("FLASHGUARD_FIRMWARE_YEAR", 0), "ECU firmware year")
	f.StringVar(&flashFlags.image, "image", "", "file holding the device's current image (default: synthetic stock image)")
	f.StringVar(&flashFlags.advisory, "advisory", "", "file holding advisory scorer output to store with the validation")
	f.BoolVar(&flashFlags.safeMode, "safe-mode", false, "assert the bike is in safe mode")
	f.BoolVar(&flashFlags.confirmSafety, "confirm-safety", false, "confirm the safety precautions were taken")
	f.BoolVar(&flashFlags.forceRevalidate, "force-revalidate", false, "ignore a stored validation and grade again")
	f.StringSliceVar(&flashFlags.faults, "fault", nil, "inject simulator faults: ping, write, verify, restore")
	f.DurationVar(&flashFlags.writeDelay, "write-delay", 0, "simulated write duration")
	f.BoolVar(&flashFlags.json, "json", false, "print the final status as JSON")
}

func parseFaults(names []string) (transport.Faults, error) {
	var f transport.Faults
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "ping":
			f.Ping = true
		case "write":
			f.Write = true
		case "verify":
			f.Verify = true
		case "restore":
			f.Restore = true
		default:
			return f, fmt.Errorf("unknown fault %q", n)
		}
	}
	return f, nil
}

// progressPrinter prints each committed transition.
type progressPrinter struct {
	w io.Writer
}

func (p progressPrinter) OnTransition(_ context.Context, t events.Transition) error {
	_, err := color.New(stageColor(flash.Stage(t.To))).Fprintf(p.w, "-> %-12s %3d%%\n", t.To, t.Progress)
	return err
}

func runFlash(cmd *cobra.Command, args []string) error {
	if flashFlags.user == "" || flashFlags.category == "" {
		return fmt.Errorf("--user and --category are required")
	}
	faults, err := parseFaults(flashFlags.faults)
	if err != nil {
		return err
	}
	p, err := calibration.DecodeFile(args[0])
	if err != nil {
		return err
	}

	image := []byte("stock calibration image for " + flashFlags.device)
	if flashFlags.image != "" {
		if image, err = os.ReadFile(flashFlags.image); err != nil {
			return fmt.Errorf("read device image: %w", err)
		}
	}

	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	sim := transport.NewSimulator()
	sim.AddDevice(flashFlags.device, image)
	sim.SetFaults(faults)
	sim.SetWriteDelay(flashFlags.writeDelay)

	engine, err := env.newEngine(sim, func(o *flash.Options) {
		if flashFlags.advisory != "" {
			o.Advisor = advisory.ScorerFunc(func(context.Context, *calibration.Payload) ([]byte, error) {
				return os.ReadFile(flashFlags.advisory)
			})
		}
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !flashFlags.json {
		engine.AddObserver(progressPrinter{w: out})
	}

	ctx := context.Background()
	st, err := engine.CreateSession(ctx, flash.CreateRequest{
		UserID: flashFlags.user,
		Device: models.Device{
			ID:           flashFlags.device,
			Category:     flashFlags.category,
			ECUType:      flashFlags.ecu,
			FirmwareYear: flashFlags.year,
		},
		Payload: p,
	})
	if err != nil {
		return err
	}
	id := st.SessionID

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			logger.Warn("interrupt received, requesting emergency stop", logging.SessionID(id))
			if err := engine.EmergencyStop(ctx, id, flashFlags.user, "operator interrupt"); err != nil {
				logger.Error("emergency stop failed", logging.SessionID(id), zap.Error(err))
			}
		case <-done:
		}
	}()

	st, runErr := engine.Run(ctx, id, flash.RunRequest{
		PreChecks: flash.PreCheckInput{
			BikeInSafeMode:      flashFlags.safeMode,
			UserConfirmedSafety: flashFlags.confirmSafety,
		},
		Actor:           flashFlags.user,
		ForceRevalidate: flashFlags.forceRevalidate,
	})
	close(done)
	if st == nil {
		return runErr
	}

	if flashFlags.json {
		if err := printJSON(out, st); err != nil {
			return err
		}
	} else {
		printStatus(out, st)
	}
	if runErr != nil {
		return runErr
	}
	if st.Stage != flash.StageCompleted {
		return fmt.Errorf("session %s ended at %s", id, st.Stage)
	}
	return nil
}

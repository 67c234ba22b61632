package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/droidbay/droidbay/internal/config"
	"github.com/droidbay/droidbay/internal/license"
	"github.com/droidbay/droidbay/internal/logging"
	"github.com/droidbay/droidbay/internal/usage"
	"github.com/droidbay/droidbay/pkg/licensing"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "droidbay",
	Short:   "DroidBay - Android device management from your desktop",
	Long:    `DroidBay manages Android devices from a PC: app management, bulk debloating, screen mirroring, and cloud-backed app analysis.`,
	Version: Version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("DroidBay %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	licenseCmd.AddCommand(licenseActivateCmd, licenseStatusCmd, licenseValidateCmd, licenseDeactivateCmd)
	usageCmd.Flags().Int("days", 7, "number of days to report")
	rootCmd.AddCommand(runCmd, licenseCmd, usageCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// engine bundles everything a command needs.
type engine struct {
	cfg   *config.Config
	svc   *license.Service
	store *usage.Store
}

func (e *engine) close() {
	e.svc.Close()
	if err := e.store.Close(); err != nil {
		log.Debug().Err(err).Msg("Failed to close usage ledger")
	}
	logging.Shutdown()
}

// newEngine is the composition root: logging, configuration, usage
// ledger, and the entitlement service, in that order.
func newEngine(ctx context.Context) (*engine, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "droidbay"})

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "droidbay",
		FilePath:  cfg.LogFile,
	})

	store, err := usage.NewStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	svc, err := license.New(ctx, license.Options{
		DataDir:            cfg.DataDir,
		ServerURL:          cfg.LicenseServerURL,
		AppVersion:         Version,
		OnlineInterval:     cfg.OnlineRevalidateInterval,
		OfflineInterval:    cfg.OfflineRevalidateInterval,
		RestoredDelay:      cfg.RestoredRevalidateDelay,
		DailyAnalysisQuota: cfg.DailyAnalysisQuota,
		UsageRecorder:      store.Record,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &engine{cfg: cfg, svc: svc, store: store}, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the DroidBay engine until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.close()

		log.Info().Str("version", Version).Str("data_dir", eng.cfg.DataDir).Msg("DroidBay engine started")

		watcher, err := config.NewWatcher(eng.cfg, func(settings config.HotSettings) {
			logging.SetLevel(settings.LogLevel)
			eng.svc.ApplyIntervals(settings.OnlineRevalidateInterval, settings.OfflineRevalidateInterval)
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config watcher unavailable, .env changes need a restart")
		} else {
			if err := watcher.Start(); err != nil {
				log.Warn().Err(err).Msg("Failed to start config watcher")
			}
			defer watcher.Stop()
		}

		g, gctx := errgroup.WithContext(ctx)

		if addr := eng.cfg.DiagnosticsAddr; addr != "" {
			srv := &http.Server{
				Addr:              addr,
				Handler:           promhttp.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			g.Go(func() error {
				log.Info().Str("addr", addr).Msg("Diagnostics listener started")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}

		// Log entitlement changes while running; the desktop shell
		// subscribes the same way.
		g.Go(func() error {
			id, changes := eng.svc.Subscribe()
			defer eng.svc.Unsubscribe(id)
			for {
				select {
				case change, ok := <-changes:
					if !ok {
						return nil
					}
					log.Info().
						Str("reason", string(change.Reason)).
						Str("tier", licensing.GetTierDisplayName(change.Current.EffectiveTier())).
						Str("status", string(change.Current.Status)).
						Msg("Entitlement changed")
				case <-gctx.Done():
					return nil
				}
			}
		})

		<-ctx.Done()
		log.Info().Msg("Shutting down")
		stop()
		if err := g.Wait(); err != nil {
			return err
		}
		return nil
	},
}

var licenseCmd = &cobra.Command{
	Use:   "license",
	Short: "Manage the DroidBay license",
}

var licenseActivateCmd = &cobra.Command{
	Use:   "activate [key]",
	Short: "Activate a license key on this machine",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.close()

		var key string
		if len(args) == 1 {
			key = args[0]
		} else if key, err = promptForKey(); err != nil {
			return err
		}

		state, err := eng.svc.Activate(cmd.Context(), key)
		if err != nil {
			var rejection *license.RejectionError
			if errors.As(err, &rejection) && rejection.Hint != "" {
				return fmt.Errorf("%s\nHint: %s", rejection.Code, rejection.Hint)
			}
			return err
		}

		fmt.Printf("License activated: %s\n", state.MaskedKey())
		fmt.Printf("Tier:   %s\n", licensing.GetTierDisplayName(state.Tier))
		fmt.Printf("Status: %s\n", licensing.GetStatusDisplayName(state.Status))
		if !state.IsPerpetual() {
			fmt.Printf("Expires: %s (%d days)\n", state.ExpiresAt.Format("2006-01-02"), state.DaysRemaining())
		}
		return nil
	},
}

var licenseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current entitlement",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.close()

		state := eng.svc.Current()
		if state.Empty() {
			fmt.Println("No license activated (Free tier)")
		} else {
			fmt.Printf("Key:    %s\n", state.MaskedKey())
			fmt.Printf("Tier:   %s (effective: %s)\n",
				licensing.GetTierDisplayName(state.Tier),
				licensing.GetTierDisplayName(state.EffectiveTier()))
			fmt.Printf("Status: %s\n", licensing.GetStatusDisplayName(state.Status))
			if !state.IsPerpetual() {
				fmt.Printf("Expires: %s (%d days)\n", state.ExpiresAt.Format("2006-01-02"), state.DaysRemaining())
			}
			if state.Offline {
				fmt.Printf("Offline since last check; grace ends %s\n",
					state.OfflineDeadline().Format("2006-01-02 15:04"))
			}
		}

		if remaining := eng.svc.RemainingAnalysisToday(); remaining < 0 {
			fmt.Println("Cloud analysis: unlimited")
		} else {
			fmt.Printf("Cloud analysis remaining today: %d\n", remaining)
		}
		return nil
	},
}

var licenseValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Revalidate the license against the server now",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.close()

		if eng.svc.Current().Empty() {
			return errors.New("no license activated")
		}
		state := eng.svc.ForceValidate(cmd.Context())
		switch {
		case state.Empty():
			fmt.Println("License revoked by the server and removed")
		case state.Offline:
			fmt.Printf("Server unreachable; cached entitlement applies until %s\n",
				state.OfflineDeadline().Format("2006-01-02 15:04"))
		default:
			fmt.Printf("Validated: %s, %s\n",
				licensing.GetTierDisplayName(state.EffectiveTier()),
				licensing.GetStatusDisplayName(state.Status))
		}
		return nil
	},
}

var licenseDeactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Release this machine's activation and remove the license",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.close()

		if err := eng.svc.Deactivate(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("License deactivated")
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show metered feature consumption",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.close()

		totals, err := eng.store.Totals(days)
		if err != nil {
			return err
		}
		if len(totals) == 0 {
			fmt.Println("No recorded usage")
			return nil
		}
		for _, row := range totals {
			fmt.Printf("%s  %-20s %d\n", row.Day, licensing.GetFeatureDisplayName(row.Feature), row.Granted)
		}
		return nil
	},
}

// promptForKey reads the license key without echo when attached to a
// terminal. Keys are credentials; they stay out of shell history and
// scrollback.
func promptForKey() (string, error) {
	fmt.Fprint(os.Stderr, "License key: ")
	if term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read license key: %w", err)
		}
		return string(raw), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read license key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"carecal/internal/config"
	"carecal/internal/ics"
	appLog "carecal/internal/log"
	"carecal/internal/portal"
	"carecal/internal/recur"
	"carecal/internal/reminder"
	"carecal/internal/store"
	"carecal/internal/web"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		appLog.Error("carecal failed", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "carecal",
		Short:         "Patient portal schedule service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/carecal/config.yaml", "Path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(upcomingCmd(&configPath))
	rootCmd.AddCommand(exportCmd(&configPath))
	rootCmd.AddCommand(importCmd(&configPath))
	return rootCmd
}

// app is the wiring shared by every subcommand.
type app struct {
	cfg    *config.Config
	loc    *time.Location
	clock  recur.Clock
	store  *store.Store
	portal *portal.Service
}

// setup loads config, configures logging and opens the record store.
// windowDays overrides the configured dashboard window when positive.
func setup(configPath string, windowDays int) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if cfg == nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		appLog.Error("failed to write default config; continuing with defaults", err, "config_path", configPath)
	}

	appLog.SetOutput(os.Stderr, cfg.Log.JSON)
	appLog.SetLevel(appLog.ParseLevel(cfg.Log.Level))

	loc, err := cfg.Location()
	if err != nil {
		appLog.Error("invalid timezone; using UTC", err, "timezone", cfg.Timezone)
	}

	st, err := store.Open(cfg.DataPath, loc)
	if err != nil {
		return nil, fmt.Errorf("open records: %w", err)
	}

	if windowDays <= 0 {
		windowDays = cfg.WindowDays
	}
	clock := recur.SystemClock{Location: loc}
	svc := portal.NewService(st, clock, portal.Options{
		HorizonMonths: cfg.HorizonMonths,
		WindowDays:    windowDays,
		NotFound:      func(err error) bool { return errors.Is(err, store.ErrNotFound) },
	})

	return &app{cfg: cfg, loc: loc, clock: clock, store: st, portal: svc}, nil
}

func serveCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, record watcher and reminder job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(*configPath, 0)
			if err != nil {
				return err
			}
			// CLI --listen overrides config file listen if provided.
			if listen != "" {
				a.cfg.Listen = listen
			}

			appLog.Info("carecal starting", "version", version)
			appLog.Info("effective config",
				"listen", a.cfg.Listen,
				"timezone", a.loc.String(),
				"data_path", a.cfg.DataPath,
				"watch_data", a.cfg.WatchData,
				"horizon_months", a.cfg.HorizonMonths,
				"window_days", a.cfg.WindowDays,
				"reminders", a.cfg.Reminders.Enabled,
			)

			ctx := cmd.Context()

			// The reminder job can fail to start; do that before any
			// goroutine is running.
			if a.cfg.Reminders.Enabled {
				rem, err := reminder.New(a.portal, reminder.LogNotifier{}, reminder.Config{
					Cron:     a.cfg.Reminders.Cron,
					Location: a.loc,
				})
				if err != nil {
					return err
				}
				if err := rem.Start(ctx); err != nil {
					return err
				}
				defer func() {
					stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					rem.Stop(stopCtx)
				}()
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			var wg sync.WaitGroup

			if a.cfg.WatchData {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := a.store.Watch(ctx); err != nil {
						appLog.Error("records watcher stopped", err)
					}
				}()
			}

			err = web.NewServer(a.cfg, a.portal, a.store, a.clock).Run(ctx)
			// Run also returns early on listen errors; stop the watcher either way.
			cancel()
			wg.Wait()
			appLog.Info("carecal exiting")
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func upcomingCmd(configPath *string) *cobra.Command {
	var (
		patientID string
		days      int
	)

	cmd := &cobra.Command{
		Use:   "upcoming",
		Short: "Print a patient's upcoming appointments and refills as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(*configPath, days)
			if err != nil {
				return err
			}
			d, err := a.portal.Dashboard(cmd.Context(), patientID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		},
	}
	cmd.Flags().StringVar(&patientID, "patient", "", "Patient ID")
	cmd.Flags().IntVar(&days, "days", 0, "Window length in days (default from config)")
	_ = cmd.MarkFlagRequired("patient")
	return cmd
}

func exportCmd(configPath *string) *cobra.Command {
	var patientID, out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a patient's calendar feed (iCalendar)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(*configPath, 0)
			if err != nil {
				return err
			}
			feed, err := web.BuildFeed(cmd.Context(), a.portal, patientID, a.clock.Now())
			if err != nil {
				return err
			}
			body := ics.Export(feed)
			if out == "" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), body)
				return err
			}
			if err := os.WriteFile(out, []byte(body), 0o644); err != nil {
				return err
			}
			appLog.Info("calendar exported", "patient_id", patientID, "path", out,
				"appointments", len(feed.Appointments), "refills", len(feed.Refills))
			return nil
		},
	}
	cmd.Flags().StringVar(&patientID, "patient", "", "Patient ID")
	cmd.Flags().StringVar(&out, "out", "", "Output file (default stdout)")
	_ = cmd.MarkFlagRequired("patient")
	return cmd
}

func importCmd(configPath *string) *cobra.Command {
	var patientID, file, url string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Convert an external calendar into appointment records (YAML)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil && cfg == nil {
				return fmt.Errorf("load config %s: %w", *configPath, err)
			}
			appLog.SetOutput(os.Stderr, cfg.Log.JSON)
			appLog.SetLevel(appLog.ParseLevel(cfg.Log.Level))

			var (
				src  ics.Source
				body []byte
			)
			switch {
			case url != "":
				src = ics.Source{ID: patientID, URL: url}
				res, err := ics.NewFetcher(cfg.ICSCacheDir, nil).Fetch(cmd.Context(), src)
				if err != nil {
					return err
				}
				body = res.Body
			default:
				src = ics.Source{ID: file}
				if body, err = os.ReadFile(file); err != nil {
					return err
				}
			}

			apts, err := ics.ParseAppointments(src, patientID, body)
			if err != nil {
				return err
			}
			out, err := store.EncodeAppointments(apts)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&patientID, "patient", "", "Patient ID")
	cmd.Flags().StringVar(&file, "file", "", "Local .ics file")
	cmd.Flags().StringVar(&url, "url", "", "Remote .ics URL")
	_ = cmd.MarkFlagRequired("patient")
	cmd.MarkFlagsOneRequired("file", "url")
	cmd.MarkFlagsMutuallyExclusive("file", "url")
	return cmd
}

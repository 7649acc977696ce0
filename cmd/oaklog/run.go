package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ayusman/oaklog/internal/app"
	"github.com/ayusman/oaklog/internal/config"
	"github.com/ayusman/oaklog/internal/logger"
	"github.com/ayusman/oaklog/internal/pipeline"
)

var runFlags struct {
	config     string
	simulate   bool
	maxBundles uint64
	debug      bool
	viewerAddr string
	basePath   string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Acquire bundles until interrupted or the bundle limit is reached",
	Long: `Starts the capture source and the acquisition loop. Every bundle is written
to the output directory and, when enabled, streamed to the live viewer.
A dot is printed for every poll that produced nothing.

Exit status is 0 after an orderly stop, 1 when the device fails and 2 for
configuration errors.`,
	Args: cobra.NoArgs,
	RunE: runAcquisition,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.config, "config", "c", "", "YAML configuration file")
	f.BoolVar(&runFlags.simulate, "simulate", false, "use the synthetic source instead of a camera")
	f.Uint64VarP(&runFlags.maxBundles, "max-bundles", "n", 0, "stop after this many bundles (0 = unbounded)")
	f.BoolVar(&runFlags.debug, "debug", false, "enable debug logging")
	f.StringVar(&runFlags.viewerAddr, "viewer-addr", "", "live viewer listen address (empty keeps the configured one)")
	f.StringVarP(&runFlags.basePath, "output", "o", "", "output directory (empty keeps the configured one)")
	rootCmd.AddCommand(runCmd)
}

func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(runFlags.config)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if runFlags.simulate {
		cfg.Device.Driver = config.DriverSimulate
	}
	if flags.Changed("max-bundles") {
		cfg.Loop.MaxBundles = runFlags.maxBundles
	}
	if runFlags.debug {
		cfg.Log.Level = "debug"
	}
	if flags.Changed("viewer-addr") {
		cfg.Viewer.Addr = runFlags.viewerAddr
	}
	if flags.Changed("output") {
		cfg.Record.BasePath = runFlags.basePath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runAcquisition(cmd *cobra.Command, _ []string) error {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, log, app.WithHeartbeat(pipeline.NewWriterHeartbeat(cmd.OutOrStdout())))
	if err != nil {
		return err
	}

	runErr := a.Run(ctx)
	closeErr := a.Close()

	status := a.Status()
	cmd.Printf("\n%s: %d bundles delivered, %d saved to %s\n",
		status.State, status.Loop.Delivered, status.Recorder.Saved, cfg.Record.BasePath)
	if id := a.Recorder().SessionID(); id != "" {
		cmd.Printf("catalog session %s\n", id)
	}

	if runErr != nil {
		return runErr
	}
	return closeErr
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetpack/fleetpack/internal/config"
	"github.com/fleetpack/fleetpack/internal/service/packager"
	"github.com/fleetpack/fleetpack/internal/service/updater"
	"github.com/fleetpack/fleetpack/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string

	// rootCmd represents the base command for checking and applying updates.
	rootCmd = &cobra.Command{
		Use:   "fleetpack-updater",
		Short: "Check for, download and apply signed updates",
	}

	// checkCmd polls the channel manifest without changing anything.
	checkCmd = &cobra.Command{
		Use:   "check [channel]",
		Short: "Check whether a newer release is available",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			session, err := updater.Check(ctx, sessionOptions(args))
			if err != nil {
				return err
			}

			reportSession(session)

			return nil
		},
	}

	// updateCmd runs the full update workflow.
	updateCmd = &cobra.Command{
		Use:   "update [channel]",
		Short: "Download, verify and apply the latest release",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			session, err := updater.Run(ctx, sessionOptions(args))
			if err != nil {
				return err
			}

			reportSession(session)

			return nil
		},
	}

	// rollbackCmd restores the most recent backup.
	rollbackCmd = &cobra.Command{
		Use:   "rollback",
		Short: "Restore the most recent backup of the installed binary",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			session, err := updater.Rollback(ctx, sessionOptions(nil))
			if err != nil {
				return err
			}

			reportSession(session)

			return nil
		},
	}

	// buildCmd runs the configured build command on the device.
	buildCmd = &cobra.Command{
		Use:   "build",
		Short: "Run the configured build command",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return packager.Build(ctx, configPath)
		},
	}
)

// sessionOptions builds updater options from the optional channel argument.
func sessionOptions(args []string) *updater.Options {
	options := &updater.Options{ConfigPath: configPath}
	if len(args) > 0 {
		options.Channel = args[0]
	}

	return options
}

// reportSession prints the terminal session result for scripting callers.
func reportSession(session *updater.Session) {
	if session == nil {
		return
	}

	fmt.Printf("outcome: %s, installed: %s\n", session.Outcome, session.InstalledVersion)
}

// Execute runs the fleetpack-updater CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().StringVarP(&configPath,
		"config", "c", config.DefaultConfigFilename, "path to configuration file")

	rootCmd.AddCommand(checkCmd, updateCmd, rollbackCmd, buildCmd)
}

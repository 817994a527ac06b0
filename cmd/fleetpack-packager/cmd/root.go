package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetpack/fleetpack/internal/config"
	"github.com/fleetpack/fleetpack/internal/service/packager"
	"github.com/fleetpack/fleetpack/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string

	// createOptions collects flags of the create subcommand.
	createOptions = packager.Options{}

	// rootCmd represents the base command for building and signing releases.
	rootCmd = &cobra.Command{
		Use:   "fleetpack-packager",
		Short: "Build, sign and publish release packages",
	}

	// createCmd packages a built binary into a signed release archive.
	createCmd = &cobra.Command{
		Use:   "create [binary]",
		Short: "Package a built binary into a signed release and publish it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			createOptions.ConfigPath = configPath
			createOptions.BinaryPath = args[0]

			return packager.Run(ctx, &createOptions)
		},
	}

	// buildCmd runs the configured build command before packaging.
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

	// verifyCmd re-checks a produced archive against its companion files.
	verifyCmd = &cobra.Command{
		Use:   "verify [archive]",
		Short: "Verify a release archive against its signature and checksums",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return packager.VerifyPackage(ctx, configPath, args[0])
		},
	}

	// cleanCmd removes staging leftovers from the package store.
	cleanCmd = &cobra.Command{
		Use:   "clean",
		Short: "Remove staging leftovers from the package store",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return packager.Clean(ctx, configPath)
		},
	}
)

// Execute runs the fleetpack-packager CLI and exits with non-zero status on error.
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

	createCmd.Flags().StringArrayVar(&createOptions.Changelog,
		"changelog", nil, "changelog line, may be repeated")
	createCmd.Flags().StringVar(&createOptions.MinSystemVersion,
		"min-system-version", "", "oldest installed version the release supports")
	createCmd.Flags().BoolVar(&createOptions.Critical,
		"critical", false, "mark the release as one clients should not skip")

	rootCmd.AddCommand(createCmd, buildCmd, verifyCmd, cleanCmd)
}

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kebairia/bacli/internal/logger"
	"github.com/kebairia/bacli/internal/operations"
)

var (
	// ConfigFile is the path to the YAML configuration.
	ConfigFile string
	// LogLevel is the zap level name used by every command.
	LogLevel string

	// rootCmd is the base command for bacli.
	rootCmd = &cobra.Command{
		Use:   "bacli",
		Short: "CLI tool for PostgreSQL backup and restore",
		Long: `bacli runs version-aware pg_dump backups of the targets in your YAML
configuration, streams them to local or S3 storage, applies retention and
restores them on demand.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := logger.Init(LogLevel)
			return err
		},
	}
)

// Execute runs the root command. SIGINT and SIGTERM cancel the running
// command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Global().Error("command failed", "error", err)
		logger.Cleanup()
		os.Exit(1)
	}
	logger.Cleanup()
}

// newManager builds the operation manager for the selected config file.
func newManager(cmd *cobra.Command) (*operations.OperationManager, error) {
	return operations.NewOperationManager(cmd.Context(), ConfigFile, logger.Global())
}

func init() {
	rootCmd.PersistentFlags().
		StringVarP(&ConfigFile, "config", "c", "./configs/config.yaml", "path to YAML config file")
	rootCmd.PersistentFlags().
		StringVar(&LogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(serveCmd)
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kebairia/bacli/internal/backup"
)

type restoreOptions struct {
	host        string
	port        string
	database    string
	username    string
	passwordEnv string
}

var restoreFlags restoreOptions

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore a successful backup, optionally into another database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		override, err := restoreOverride()
		if err != nil {
			return err
		}
		om, err := newManager(cmd)
		if err != nil {
			return err
		}
		defer om.Close()

		rec, err := om.Restores().Restore(cmd.Context(), args[0], override)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", rec.ID, rec.Status, rec.Duration)
		return nil
	},
}

// restoreOverride returns nil when no connection flag was given so the
// backup's own target is used unchanged.
func restoreOverride() (*backup.Connection, error) {
	f := restoreFlags
	conn := backup.Connection{
		Host:     f.host,
		Port:     f.port,
		Database: f.database,
		Username: f.username,
	}
	if f.passwordEnv != "" {
		conn.Password = os.Getenv(f.passwordEnv)
		if conn.Password == "" {
			return nil, fmt.Errorf("environment variable %s is empty", f.passwordEnv)
		}
	}
	if conn == (backup.Connection{}) {
		return nil, nil
	}
	return &conn, nil
}

func init() {
	flags := restoreCmd.Flags()
	flags.StringVar(&restoreFlags.host, "host", "", "override the target host")
	flags.StringVar(&restoreFlags.port, "port", "", "override the target port")
	flags.StringVar(&restoreFlags.database, "database", "", "restore into this database")
	flags.StringVar(&restoreFlags.username, "username", "", "override the target user")
	flags.StringVar(&restoreFlags.passwordEnv, "password-env", "", "read the override password from this environment variable")
}

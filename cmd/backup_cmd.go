package cmd

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kebairia/bacli/internal/backup"
	"github.com/kebairia/bacli/internal/logger"
	"github.com/kebairia/bacli/internal/operations"
)

var backupCmd = &cobra.Command{
	Use:   "backup [target-id...]",
	Short: "Back up the named targets, or every enabled target",
	RunE: func(cmd *cobra.Command, args []string) error {
		om, err := newManager(cmd)
		if err != nil {
			return err
		}
		defer om.Close()
		log := logger.Global()

		ids := args
		if len(ids) == 0 {
			for _, t := range om.Targets().Targets() {
				if t.Enabled {
					ids = append(ids, t.ID)
				}
			}
		}
		if len(ids) == 0 {
			log.Warn("no enabled targets to back up")
			return nil
		}

		var failed atomic.Int32
		var g errgroup.Group
		for _, id := range ids {
			g.Go(func() error {
				rec, err := om.Backups().Run(cmd.Context(), id, backup.TriggerManual)
				switch {
				case err == nil:
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", id, rec.ID, rec.StoragePath)
				case errors.Is(err, operations.ErrAlreadyRunning):
					log.Info("backup skipped", "target", id, "reason", "already running")
				default:
					failed.Add(1)
					log.Error("backup failed", "target", id, "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()

		if n := failed.Load(); n > 0 {
			return fmt.Errorf("%d of %d backups failed", n, len(ids))
		}
		return nil
	},
}

package cmd

import (
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kebairia/bacli/internal/backup"
)

var listCmd = &cobra.Command{
	Use:   "list <target-id>",
	Short: "Show the backup history of a target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		om, err := newManager(cmd)
		if err != nil {
			return err
		}
		defer om.Close()

		history, err := om.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		renderHistory(cmd.OutOrStdout(), history)
		return nil
	},
}

func renderHistory(w io.Writer, history []*backup.BackupRecord) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Status", "Trigger", "Version", "Format", "Size", "Completed", "Path / Error"})
	table.SetAutoWrapText(false)
	for _, r := range history {
		completed := ""
		if !r.CompletedAt.IsZero() {
			completed = r.CompletedAt.Local().Format(time.DateTime)
		}
		detail := r.StoragePath
		if r.Status == backup.StatusFailed {
			detail = r.Error
		}
		table.Append([]string{
			r.ID,
			string(r.Status),
			string(r.Trigger),
			r.MajorVersion,
			string(r.Format),
			strconv.FormatInt(r.SizeBytes, 10),
			completed,
			detail,
		})
	}
	table.Render()
}

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mergehawk-dev/mergehawk/internal/daemon"
	"github.com/mergehawk-dev/mergehawk/internal/queue"
	"github.com/spf13/cobra"
)

func activityCmd() *cobra.Command {
	var showLog bool
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show active jobs and recent history",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Queue queue.Activity         `json:"queue"`
				Log   []daemon.ActivityEntry `json:"log"`
			}
			if err := apiGet("/api/activity", &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			if len(resp.Queue.Active) > 0 {
				fmt.Fprintln(w, "ACTIVE\tTYPE\tSTATUS\tPROGRESS\tENQUEUED")
				for _, js := range resp.Queue.Active {
					progress := "-"
					if js.Progress != nil {
						progress = fmt.Sprintf("%d%% (%s)", js.Progress.OverallProgress, js.Progress.CurrentPhase)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						js.Job.Fingerprint, js.Job.Type, js.Status, progress,
						js.EnqueuedAt.Format(time.Kitchen))
				}
				fmt.Fprintln(w)
			} else {
				fmt.Fprintln(w, "No active jobs")
				fmt.Fprintln(w)
			}

			if len(resp.Queue.Recent) > 0 {
				fmt.Fprintln(w, "RECENT\tTYPE\tSTATUS\tERROR")
				for _, js := range resp.Queue.Recent {
					errMsg := js.Error
					if errMsg == "" {
						errMsg = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", js.Job.Fingerprint, js.Job.Type, js.Status, errMsg)
				}
			}
			w.Flush()

			if showLog {
				fmt.Println()
				for i := len(resp.Log) - 1; i >= 0; i-- {
					e := resp.Log[i]
					fmt.Printf("%s  %-18s %s\n", e.Timestamp.Format("15:04:05"), e.Event, e.Message)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showLog, "log", false, "include the daemon activity log")
	return cmd
}

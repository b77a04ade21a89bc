package main

import (
	"fmt"

	"github.com/mergehawk-dev/mergehawk/internal/queue"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var health struct {
				Status string `json:"status"`
				PID    int    `json:"pid"`
				Uptime string `json:"uptime"`
			}
			if err := apiGet("/api/health", &health); err != nil {
				fmt.Println("Daemon: not running")
				fmt.Println()
				fmt.Println("Start with: mergehawk daemon run")
				return nil
			}
			fmt.Printf("Daemon: running (pid %d, uptime %s)\n", health.PID, health.Uptime)

			var activity struct {
				Queue queue.Activity `json:"queue"`
			}
			if err := apiGet("/api/activity", &activity); err != nil {
				return err
			}

			var queued, running int
			for _, js := range activity.Queue.Active {
				switch js.Status {
				case queue.StatusQueued:
					queued++
				case queue.StatusRunning:
					running++
				}
			}
			var completed, failed int
			for _, js := range activity.Queue.Recent {
				switch js.Status {
				case queue.StatusCompleted:
					completed++
				case queue.StatusFailed:
					failed++
				}
			}
			fmt.Printf("Jobs:   %d queued, %d running, %d completed, %d failed (recent)\n",
				queued, running, completed, failed)
			return nil
		},
	}
}

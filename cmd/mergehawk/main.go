package main

import (
	"os"

	"github.com/spf13/cobra"
)

var serverAddr string

func main() {
	rootCmd := &cobra.Command{
		Use:   "mergehawk",
		Short: "Automatic merge request review orchestration",
		Long:  "mergehawk supervises AI review agents over merge requests and tracks each request's review lifecycle",
	}

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "daemon server address (default: discovered from runtime file)")

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(requestsCmd())
	rootCmd.AddCommand(followupsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

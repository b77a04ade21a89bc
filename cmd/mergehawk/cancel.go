package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <fingerprint>",
		Short: "Cancel an active review job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"fingerprint": args[0]}
			if err := apiPost("/api/cancel", body, nil); err != nil {
				return err
			}
			fmt.Printf("Cancel requested: %s\n", args[0])
			return nil
		},
	}
}

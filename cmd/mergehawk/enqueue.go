package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func enqueueCmd() *cobra.Command {
	var (
		platform     string
		project      string
		number       int
		workDir      string
		skill        string
		sourceBranch string
		targetBranch string
		followup     bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a review job for a merge request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workDir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				workDir = wd
			}
			body := map[string]interface{}{
				"platform":       platform,
				"project_path":   project,
				"request_number": number,
				"work_dir":       workDir,
				"skill":          skill,
				"source_branch":  sourceBranch,
				"target_branch":  targetBranch,
				"followup":       followup,
			}
			var resp struct {
				Fingerprint string `json:"fingerprint"`
				Enqueued    bool   `json:"enqueued"`
				Reason      string `json:"reason"`
			}
			if err := apiPost("/api/enqueue", body, &resp); err != nil {
				return err
			}
			if !resp.Enqueued {
				fmt.Printf("Not enqueued (%s): %s\n", resp.Reason, resp.Fingerprint)
				return nil
			}
			fmt.Printf("Enqueued: %s\n", resp.Fingerprint)
			return nil
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "gitlab", "platform the request lives on")
	cmd.Flags().StringVar(&project, "project", "", "project path (e.g. team/api)")
	cmd.Flags().IntVar(&number, "number", 0, "merge request number")
	cmd.Flags().StringVar(&workDir, "workdir", "", "checkout directory (default: current directory)")
	cmd.Flags().StringVar(&skill, "skill", "", "review skill (default: repo or global config)")
	cmd.Flags().StringVar(&sourceBranch, "source", "", "source branch")
	cmd.Flags().StringVar(&targetBranch, "target", "main", "target branch")
	cmd.Flags().BoolVar(&followup, "followup", false, "enqueue as a follow-up review")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("number")
	return cmd
}

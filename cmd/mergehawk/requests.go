package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"github.com/mergehawk-dev/mergehawk/internal/tracker"
	"github.com/spf13/cobra"
)

// stateColor maps lifecycle states to ANSI colors for TTY output.
func stateColor(s tracker.State) string {
	switch s {
	case tracker.StateApproved, tracker.StateMerged:
		return "\033[32m" // green
	case tracker.StatePendingFix:
		return "\033[31m" // red
	case tracker.StatePendingReview, tracker.StatePendingApproval:
		return "\033[33m" // yellow
	default:
		return "\033[90m" // grey
	}
}

func formatState(s tracker.State, colorize bool) string {
	if !colorize {
		return string(s)
	}
	return stateColor(s) + string(s) + "\033[0m"
}

func requestsCmd() *cobra.Command {
	var (
		platform string
		project  string
	)
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List tracked review requests for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Requests []*tracker.Request   `json:"requests"`
				Stats    tracker.ProjectStats `json:"stats"`
			}
			path := fmt.Sprintf("/api/requests?platform=%s&project=%s",
				url.QueryEscape(platform), url.QueryEscape(project))
			if err := apiGet(path, &resp); err != nil {
				return err
			}

			if len(resp.Requests) == 0 {
				fmt.Println("No tracked requests")
				return nil
			}

			colorize := isatty.IsTerminal(os.Stdout.Fd())
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NUM\tSTATE\tTITLE\tREVIEWS\tTHREADS\tSCORE\tASSIGNOR")
			for _, r := range resp.Requests {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d+%d\t%d/%d\t%.1f\t%s\n",
					r.RequestNumber,
					formatState(r.State, colorize),
					truncate(r.Title, 40),
					r.TotalReviews, r.TotalFollowups,
					r.OpenThreads, r.TotalThreads,
					r.LatestScore,
					r.Assignment.Username)
			}
			w.Flush()

			fmt.Println()
			fmt.Printf("Requests: %d  Reviews: %d (+%d follow-ups)  Avg reviews/request: %.1f\n",
				resp.Stats.TotalRequests, resp.Stats.TotalReviews,
				resp.Stats.TotalFollowups, resp.Stats.AvgReviewsPerRequest)
			return nil
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "gitlab", "platform the project lives on")
	cmd.Flags().StringVar(&project, "project", "", "project path (e.g. team/api)")
	cmd.MarkFlagRequired("project")
	return cmd
}

func followupsCmd() *cobra.Command {
	var (
		platform string
		project  string
	)
	cmd := &cobra.Command{
		Use:   "followups",
		Short: "List requests waiting on a follow-up review",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Followups []*tracker.Request `json:"followups"`
			}
			path := fmt.Sprintf("/api/followups?platform=%s&project=%s",
				url.QueryEscape(platform), url.QueryEscape(project))
			if err := apiGet(path, &resp); err != nil {
				return err
			}

			if len(resp.Followups) == 0 {
				fmt.Println("No follow-ups pending")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NUM\tTITLE\tLAST PUSH\tLAST REVIEW")
			for _, r := range resp.Followups {
				lastPush, lastReview := "-", "-"
				if r.LastPushAt != nil {
					lastPush = r.LastPushAt.Format("Jan 2 15:04")
				}
				if r.LastReviewAt != nil {
					lastReview = r.LastReviewAt.Format("Jan 2 15:04")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
					r.RequestNumber, truncate(r.Title, 40), lastPush, lastReview)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "gitlab", "platform the project lives on")
	cmd.Flags().StringVar(&project, "project", "", "project path (e.g. team/api)")
	cmd.MarkFlagRequired("project")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

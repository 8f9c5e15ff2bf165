package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/adapters/mailbox"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/approval"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback <request-id>",
	Short: "Approve or request revision of a pending plan",
	Long: `Answer a plan approval.

Without --server the answer is written straight to the configured mailbox,
which must be shared with the process running the request (sqlite, file,
redis or s3). With --server it is sent through the HTTP API.

Examples:
  deepinsight feedback 4f0c... --approve
  deepinsight feedback 4f0c... --reject --notes "also break it down by region"
  deepinsight feedback 4f0c... --approve --server http://localhost:8080`,
	Args: cobra.ExactArgs(1),
	RunE: runFeedback,
}

var (
	feedbackApprove  bool
	feedbackReject   bool
	feedbackNotes    string
	feedbackRevision int
	feedbackServer   string
)

func init() {
	rootCmd.AddCommand(feedbackCmd)

	feedbackCmd.Flags().BoolVar(&feedbackApprove, "approve", false, "approve the plan")
	feedbackCmd.Flags().BoolVar(&feedbackReject, "reject", false, "request a revision")
	feedbackCmd.Flags().StringVar(&feedbackNotes, "notes", "", "reviewer notes")
	feedbackCmd.Flags().IntVar(&feedbackRevision, "revision", -1, "only apply to this plan revision")
	feedbackCmd.Flags().StringVar(&feedbackServer, "server", "", "API base URL (default: write to the mailbox)")
	feedbackCmd.MarkFlagsMutuallyExclusive("approve", "reject")
	feedbackCmd.MarkFlagsOneRequired("approve", "reject")
}

func buildFeedback() core.ApprovalFeedback {
	fb := core.ApprovalFeedback{
		Approved:  feedbackApprove,
		Feedback:  feedbackNotes,
		Timestamp: time.Now().UTC(),
	}
	if feedbackRevision >= 0 {
		rev := feedbackRevision
		fb.Revision = &rev
	}
	return fb
}

func runFeedback(cmd *cobra.Command, args []string) error {
	id := core.RequestID(args[0])
	fb := buildFeedback()

	if feedbackServer != "" {
		if err := sendFeedback(feedbackServer, id, fb); err != nil {
			return err
		}
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Mailbox.Backend == "" || cfg.Mailbox.Backend == "memory" {
			return errors.New("the memory mailbox is private to one process; configure a shared mailbox backend or use --server")
		}
		mb, err := mailbox.New(cmd.Context(), cfg.Mailbox)
		if err != nil {
			return fmt.Errorf("opening mailbox: %w", err)
		}
		defer mb.Close()

		addr := approval.Address(cfg.Approval.KeyPrefix, id)
		if err := approval.Submit(cmd.Context(), mb, addr, fb); err != nil {
			return err
		}
	}

	verdict := "approved"
	if !fb.Approved {
		verdict = "revision requested"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "feedback for %s: %s\n", id, verdict)
	return nil
}

// sendFeedback submits feedback through the HTTP API.
func sendFeedback(server string, id core.RequestID, fb core.ApprovalFeedback) error {
	resp, err := resty.New().
		SetTimeout(30*time.Second).
		R().
		SetHeader("Content-Type", "application/json").
		SetBody(fb).
		Put(strings.TrimRight(server, "/") + "/api/v1/requests/" + string(id) + "/approval")
	if err != nil {
		return fmt.Errorf("sending feedback: %w", err)
	}
	if resp.IsSuccess() {
		return nil
	}

	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(resp.Body(), &body) == nil && body.Error != "" {
		if body.Code != "" {
			return fmt.Errorf("server rejected feedback (%s): %s", body.Code, body.Error)
		}
		return fmt.Errorf("server rejected feedback: %s", body.Error)
	}
	return fmt.Errorf("server rejected feedback: %s", resp.Status())
}

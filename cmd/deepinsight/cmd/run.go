package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/events"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/pipeline"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/service"
)

const interruptReason = "interrupted"

var runCmd = &cobra.Command{
	Use:   "run <input>",
	Short: "Run one request in-process and stream its events",
	Long: `Run a single analysis request without a server.

Events are printed as they happen. When the plan needs approval and stdin is a
terminal, you are prompted: press enter or "y" to approve, or type revision
notes. Otherwise approve from another shell with 'deepinsight feedback' (this
needs a mailbox backend shared between processes), or wait for the approval
timeout.

Examples:
  deepinsight run "How did revenue change quarter over quarter?"
  deepinsight run --approve --json "Summarize churn by region"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var (
	runID          string
	runJSON        bool
	runAutoApprove bool
	runNoPrompt    bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runID, "id", "", "request id (default: generated)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print events as JSON lines")
	runCmd.Flags().BoolVar(&runAutoApprove, "approve", false, "approve every plan automatically")
	runCmd.Flags().BoolVar(&runNoPrompt, "no-prompt", false, "never prompt for approval on the terminal")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := service.NewApp(context.WithoutCancel(ctx), cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing runtime: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
		defer cancel()
		_ = app.Close(closeCtx)
	}()
	if err := app.Start(); err != nil {
		return err
	}

	rt := app.Runtime
	id, err := rt.Submit(ctx, core.RequestID(runID), strings.Join(args, " "), nil)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	p := &eventPrinter{out: out, json: runJSON, quiet: quiet}

	var lines <-chan string
	if !runAutoApprove && !runNoPrompt && isTerminal(cmd.InOrStdin()) {
		p.prompt = true
		lines = readLines(cmd.InOrStdin())
	}

	bus := rt.Bus()
	interrupt := ctx.Done()
	for {
		for _, env := range bus.Drain(id) {
			p.print(env)
			if runAutoApprove && env.Event.EventType() == events.TypeApprovalRequested {
				if err := rt.SubmitFeedback(ctx, id, core.ApprovalFeedback{Approved: true}); err != nil {
					logger.Warn("auto-approval failed", "error", err)
				}
			}
		}

		exists, complete := bus.Status(id)
		if !exists {
			break
		}
		if complete {
			continue
		}
		notify, ok := bus.Notify(id)
		if !ok {
			continue
		}

		select {
		case <-notify:
		case <-interrupt:
			interrupt = nil
			_ = rt.Cancel(id, interruptReason)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			answer(ctx, rt, id, line, p)
		}
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	view, _ := rt.Wait(waitCtx, id)
	if view == nil {
		return fmt.Errorf("request %s: final state unavailable", id)
	}
	if !runJSON && view.State != nil {
		if report, ok := view.State.Artifacts[pipeline.ArtifactReport]; ok && report != "" {
			fmt.Fprintf(out, "\n%s\n", strings.TrimRight(report, "\n"))
		}
	}

	switch view.Request.Status {
	case core.RequestStatusCompleted:
		return nil
	default:
		return fmt.Errorf("request %s %s: %s", id, view.Request.Status, view.Request.Reason)
	}
}

// answer turns a terminal line into reviewer feedback.
func answer(ctx context.Context, rt *service.Runtime, id core.RequestID, line string, p *eventPrinter) {
	line = strings.TrimSpace(line)
	fb := core.ApprovalFeedback{Approved: true, Timestamp: time.Now()}
	switch strings.ToLower(line) {
	case "", "y", "yes":
	default:
		fb.Approved = false
		fb.Feedback = line
	}
	if t, ok := rt.Ticket(id); ok {
		rev := t.Revision
		fb.Revision = &rev
	}
	if err := rt.SubmitFeedback(ctx, id, fb); err != nil {
		if core.HasCode(err, core.CodeNoLiveTicket) {
			p.line("no plan is awaiting approval")
			return
		}
		p.line("feedback failed: " + err.Error())
	}
}

func isTerminal(in io.Reader) bool {
	f, ok := in.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// readLines forwards lines from r until EOF.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// eventPrinter renders events for the terminal or as JSON lines.
type eventPrinter struct {
	out    io.Writer
	json   bool
	quiet  bool
	prompt bool
}

func (p *eventPrinter) line(s string) {
	if !p.json {
		fmt.Fprintln(p.out, s)
	}
}

func (p *eventPrinter) print(env events.Envelope) {
	if p.json {
		_ = json.NewEncoder(p.out).Encode(events.ToWire(env))
		return
	}

	switch e := env.Event.(type) {
	case events.RequestStartedEvent:
		p.line(fmt.Sprintf("request %s started", e.RequestID()))
	case events.NodeEnteredEvent:
		p.line(fmt.Sprintf("-> %s", e.Node))
	case events.ToolCalledEvent:
		p.line(fmt.Sprintf("   %s: calling %s", e.Node, e.Tool))
	case events.ToolResultEvent:
		if e.IsError {
			p.line(fmt.Sprintf("   %s failed: %s", e.Tool, firstLine(e.Output)))
		}
	case events.SessionEvent:
		if !p.quiet {
			p.line(fmt.Sprintf("   session %s %s", e.SessionID, strings.TrimPrefix(e.EventType(), "session_")))
		}
	case events.ApprovalRequestedEvent:
		p.line(fmt.Sprintf("\nPlan (revision %d of %d):\n%s\n", e.Revision, e.MaxRevisions, e.Plan))
		if p.prompt {
			p.line("Approve? [enter/y to approve, or type revision notes]")
		} else {
			p.line(fmt.Sprintf("Awaiting approval (%ds): deepinsight feedback %s --approve", e.TimeoutSeconds, e.RequestID()))
		}
	case events.ApprovalKeepaliveEvent:
		if !p.quiet {
			p.line(fmt.Sprintf("   still waiting for approval, %ds left", e.RemainingSeconds))
		}
	case events.ApprovalResolvedEvent:
		msg := "plan " + string(e.Outcome)
		if e.Reason != "" {
			msg += " (" + e.Reason + ")"
		}
		if e.Feedback != "" {
			msg += ": " + e.Feedback
		}
		p.line(msg)
	case events.FeedbackDiscardedEvent:
		p.line("feedback discarded: " + e.Reason)
	case events.StepFailedEvent:
		p.line(fmt.Sprintf("step %s failed: %s", e.Node, e.Error))
	case events.RequestCompletedEvent:
		p.line(fmt.Sprintf("request completed in %s", e.Duration.Round(time.Millisecond)))
	case events.RequestFailedEvent:
		p.line("request failed: " + e.Reason)
	case events.RequestCancelledEvent:
		p.line("request cancelled: " + e.Reason)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/aura/internal/store"
)

// VerifyLogOptions holds flags for the verify-log command.
type VerifyLogOptions struct {
	*RootOptions
	Database string
}

// NewVerifyLogCommand creates the verify-log command.
func NewVerifyLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyLogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify-log",
		Short: "Check the hash chain and nonces of a stored log",
		Long: `Check a persisted account log without replaying it: every stored hash
must match its event, nonces must be unique, Lamport times contiguous and
each event must name its predecessor's hash as parent.

Exit codes:
  0  - The log is intact
  64 - Database cannot be opened
  65 - The log has problems

Examples:
  aura verify-log --db ./s4.db`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerifyLog(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runVerifyLog(ctx context.Context, opts *VerifyLogOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openExisting(opts.Database, opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := st.VerifyLog(ctx)
	if err != nil {
		return WrapError("failed to read log", err)
	}

	if opts.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: report}
		if !report.OK() {
			resp.Status = "error"
			resp.Error = &CLIError{
				Code:    "E_LOG_INVALID",
				Message: fmt.Sprintf("%d problem(s) found", len(report.Problems)),
			}
		}
		if err := writeJSON(cmd.OutOrStdout(), resp); err != nil {
			return err
		}
	} else {
		outputVerifyText(cmd, report)
	}
	if !report.OK() {
		return NewExitError(ExitProtocol, fmt.Sprintf("log verification failed: %d problem(s)", len(report.Problems)))
	}
	return nil
}

func outputVerifyText(cmd *cobra.Command, r store.LogReport) {
	w := cmd.OutOrStdout()
	if r.Events == 0 {
		fmt.Fprintln(w, "Log is empty.")
		return
	}
	fmt.Fprintf(w, "Events: %d (lamport %d..%d)\n", r.Events, r.First, r.Last)
	if r.OK() {
		fmt.Fprintln(w, "Log is intact")
		return
	}
	fmt.Fprintf(w, "%d problem(s):\n", len(r.Problems))
	for _, p := range r.Problems {
		fmt.Fprintf(w, "  %s\n", p)
	}
}

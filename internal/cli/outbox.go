package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/boardsync/internal/outbox"
)

// OutboxOptions holds flags for the outbox subcommands.
type OutboxOptions struct {
	*RootOptions
	Board string
}

// OutboxListResult is the JSON payload of outbox list.
type OutboxListResult struct {
	Board          string         `json:"board"`
	ServerRevision int64          `json:"serverRevision"`
	Entries        []outbox.Entry `json:"entries"`
}

// NewOutboxCommand creates the outbox command and its subcommands.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OutboxOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair the remote push queue",
		Long: `Inspect and repair the queue of saved batches waiting to be pushed to
the remote authority.`,
	}

	listCmd := &cobra.Command{
		Use:           "list",
		Short:         "List queued batches of a board",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutboxList(opts, cmd)
		},
	}
	listCmd.Flags().StringVar(&opts.Board, "board", "", "board id (required)")
	_ = listCmd.MarkFlagRequired("board")

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Reset batches left mid-push back to pending",
		Long: `Reset every batch still marked as sending, on every board, back to pending.

A batch stays in the sending state when its session died mid-push. Sessions
run this on startup; the command is for stores no session will reopen soon.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutboxRecover(opts, cmd)
		},
	}

	cmd.AddCommand(listCmd, recoverCmd)
	return cmd
}

func runOutboxList(opts *OutboxOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	st, _, err := opts.openStore()
	if err != nil {
		return failure(formatter, ErrCodeStore, err)
	}
	defer st.Close()

	ctx := context.Background()
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	entries, err := outbox.NewQueue(st, outbox.WithLogger(logger)).List(ctx, opts.Board)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to read outbox", err)
	}
	rev, err := outbox.NewRevisionStore(st, outbox.WithLogger(logger)).Load(ctx, opts.Board)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to read revision", err)
	}

	result := OutboxListResult{
		Board:          opts.Board,
		ServerRevision: rev.ServerRevision,
		Entries:        entries,
	}
	if result.Entries == nil {
		result.Entries = []outbox.Entry{}
	}
	return formatter.Success(result, formatOutbox(result))
}

func formatOutbox(r OutboxListResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: server revision %d, %d queued", r.Board, r.ServerRevision, len(r.Entries))
	for _, e := range r.Entries {
		fmt.Fprintf(&sb, "\n  %s  %-8s  %d op(s)  retries=%d", e.ID, e.State, len(e.Ops), e.RetryCount)
		if e.LastError != "" {
			fmt.Fprintf(&sb, "  last error: %s", e.LastError)
		}
	}
	return sb.String()
}

func runOutboxRecover(opts *OutboxOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	st, _, err := opts.openStore()
	if err != nil {
		return failure(formatter, ErrCodeStore, err)
	}
	defer st.Close()

	q := outbox.NewQueue(st, outbox.WithLogger(newLogger(cmd.ErrOrStderr(), opts.Verbose)))
	n, err := q.RecoverStale(context.Background())
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to recover outbox", err)
	}
	return formatter.Success(map[string]int{"recovered": n}, fmt.Sprintf("recovered %d batch(es)", n))
}

package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/boardsync/internal/eventlog"
	"github.com/roach88/boardsync/internal/ops"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Board string
	Since int64
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show a board's cross-tab event log",
		Long: `Print the surviving entries of a board's event log from the configured store.

Entries older than the retention window are compacted on every append, so
the log shows recent history only; the revision counter is never reset.

Example:
  boardsync log --board roadmap --db ./boardsync.db
  boardsync log --board roadmap --since 12 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Board, "board", "", "board id (required)")
	cmd.Flags().Int64Var(&opts.Since, "since", 0, "only show entries after this revision")
	_ = cmd.MarkFlagRequired("board")

	return cmd
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	st, cfg, err := opts.openStore()
	if err != nil {
		return failure(formatter, ErrCodeStore, err)
	}
	defer st.Close()

	store := eventlog.New(st,
		eventlog.WithMaxAge(cfg.CrossTab.MaxAge),
		eventlog.WithLogger(newLogger(cmd.ErrOrStderr(), opts.Verbose)),
	)
	log := store.Read(context.Background(), opts.Board)
	log.Entries = eventlog.FilterNewEntries(log, opts.Since, "")
	if log.Entries == nil {
		log.Entries = []eventlog.Entry{}
	}

	return formatter.Success(log, formatLog(opts.Board, log))
}

func formatLog(boardID string, log eventlog.Log) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: revision %d, %d entr", boardID, log.Revision, len(log.Entries))
	if len(log.Entries) == 1 {
		sb.WriteString("y")
	} else {
		sb.WriteString("ies")
	}
	for _, e := range log.Entries {
		kinds := make([]string, 0, len(e.Ops))
		for _, k := range ops.Types(e.Ops) {
			kinds = append(kinds, string(k))
		}
		fmt.Fprintf(&sb, "\n%5d  %s  %-12s  %d op(s)  %s",
			e.Rev,
			time.UnixMilli(e.TS).UTC().Format(time.RFC3339),
			e.ProducerID,
			len(e.Ops),
			strings.Join(kinds, ","),
		)
	}
	return sb.String()
}

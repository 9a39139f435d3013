package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/boardsync/internal/applier"
	"github.com/roach88/boardsync/internal/board"
	"github.com/roach88/boardsync/internal/ops"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	Write bool
}

// ApplyResult is the JSON payload of the apply command.
type ApplyResult struct {
	Board   *board.Snapshot `json:"board"`
	Applied int             `json:"applied"`
	Skipped int             `json:"skipped"`
	Failed  int             `json:"failed"`
	Errors  []string        `json:"errors,omitempty"`
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply <board.json> <ops.json>",
		Short: "Apply an operation list to a board snapshot",
		Long: `Apply a JSON array of operations to a board snapshot and print the result.

Operations are applied in order the way a receiving session applies a
remote batch. Unknown kinds are skipped. An op naming a missing column
fails without stopping the rest, and the command exits with status 1.

Example:
  boardsync apply board.json ops.json
  boardsync apply board.json ops.json --write`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().BoolVarP(&opts.Write, "write", "w", false, "write the result back to the board file")

	return cmd
}

func runApply(opts *ApplyOptions, boardPath, opsPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	snap, err := readSnapshot(formatter, boardPath)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(opsPath)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeRead, "failed to read "+opsPath, err)
	}
	var list ops.List
	if err := list.UnmarshalJSON(data); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeDecode, "failed to decode "+opsPath, err)
	}
	formatter.VerboseLog("Applying %d op(s) to %s", len(list), boardPath)

	doc := board.FromSnapshot(snap)
	a := applier.New(
		applier.DocumentFunc(func() *board.Board { return doc }),
		applier.WithLogger(newLogger(cmd.ErrOrStderr(), opts.Verbose)),
	)
	res := a.ApplyAll(list)

	out := doc.Snapshot()
	result := ApplyResult{
		Board:   out,
		Applied: res.Applied,
		Skipped: res.Skipped,
		Failed:  res.Failed,
	}
	for _, e := range res.Errors {
		result.Errors = append(result.Errors, e.Error())
	}

	encoded, err := out.Encode()
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "failed to encode board", err)
	}
	if opts.Write {
		if err := os.WriteFile(boardPath, encoded, 0644); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, "failed to write "+boardPath, err)
		}
	}
	formatter.VerboseLog("applied=%d skipped=%d failed=%d", res.Applied, res.Skipped, res.Failed)

	if err := formatter.Success(result, string(encoded)); err != nil {
		return err
	}
	if res.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d op(s) failed", res.Failed))
	}
	return nil
}

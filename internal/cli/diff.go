package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/boardsync/internal/differ"
	"github.com/roach88/boardsync/internal/ops"
)

// DiffResult is the JSON payload of the diff command.
type DiffResult struct {
	Ops   ops.List   `json:"ops"`
	Types []ops.Kind `json:"types"`
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <prev.json> <curr.json>",
		Short: "Print the operations turning one snapshot into another",
		Long: `Compute the operation list that turns prev into curr.

The output is exactly what a producer appends to the event log or queues
for the remote authority after a save. Identical boards produce no ops.

Example:
  boardsync diff before.json after.json
  boardsync diff before.json after.json --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(rootOpts, args[0], args[1], cmd)
		},
	}

	return cmd
}

func runDiff(opts *RootOptions, prevPath, currPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	prev, err := readSnapshot(formatter, prevPath)
	if err != nil {
		return err
	}
	curr, err := readSnapshot(formatter, currPath)
	if err != nil {
		return err
	}

	list := differ.Diff(prev, curr)
	result := DiffResult{Ops: list, Types: ops.Types(list)}
	if result.Types == nil {
		result.Types = []ops.Kind{}
	}
	return formatter.Success(result, formatOps(list))
}

// formatOps renders one op per line, or "no changes".
func formatOps(list []ops.Operation) string {
	if len(list) == 0 {
		return "no changes"
	}
	var sb strings.Builder
	for i, op := range list {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%3d  %s", i+1, ops.String(op))
	}
	return sb.String()
}

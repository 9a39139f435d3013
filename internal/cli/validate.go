package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/boardsync/internal/board"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool   `json:"valid"`
	Path    string `json:"path"`
	Columns int    `json:"columns"`
	Cards   int    `json:"cards"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <board.json>",
		Short: "Check a board snapshot against the schema",
		Long: `Validate a board snapshot file.

The snapshot is decoded and normalized the same way a session loads it,
then checked against the board schema: required fields, field types, and
unique column and card ids.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	snap, err := readSnapshot(formatter, path)
	if err != nil {
		return err
	}

	if err := board.Validate(snap); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeInvalid, "invalid board", err)
	}

	cards := 0
	for _, c := range snap.Columns {
		cards += len(c.Cards)
	}
	result := ValidationResult{
		Valid:   true,
		Path:    path,
		Columns: len(snap.Columns),
		Cards:   cards,
	}
	return formatter.Success(result,
		fmt.Sprintf("✓ %s is valid (%d columns, %d cards)", path, result.Columns, result.Cards))
}

// readSnapshot reads and decodes a snapshot file, reporting failures
// through f.
func readSnapshot(f *OutputFormatter, path string) (*board.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeRead, "failed to read "+path, err)
	}
	f.VerboseLog("Read %d bytes from %s", len(data), path)

	snap, err := board.Decode(data)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeDecode, "failed to decode "+path, err)
	}
	return snap, nil
}

package main

import (
	"fmt"
	"os"

	"github.com/roach88/boardsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		// Commands with SilenceErrors report their own failures; only
		// cobra's usage errors reach here unprinted.
		if _, ok := err.(*cli.ExitError); !ok {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}

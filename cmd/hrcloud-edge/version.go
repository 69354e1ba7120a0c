package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hrcloud-edge version: %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  git commit: %s\n", commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  go version: %s\n", runtime.Version())
		},
	}
}

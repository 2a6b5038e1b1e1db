// Command reconcilectl is the operator entrypoint for the ML <-> CA
// reconciliation engine: a long-running server subcommand plus one-shot
// subcommands for sync, backfill, baixas, and job recovery (spec.md §9
// Design Notes).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "reconcilectl",
	Short: "Operate the Mercado Livre <-> Conta Azul reconciliation engine",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Package main is the engine's CLI surface (spec's AMBIENT STACK CLI
// section): a thin cobra root command whose only job is to wire the
// engine up for manual exercise. Structured the way
// _examples/leftmike-maho.v1/cmd does it — a persistent root command
// owning shared flags, subcommands doing the real work.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "zheap",
	Short: "zheap storage engine",
	Long:  "zheap is an in-place transactional heap storage engine.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"`file` to load environment overrides from before binding config")
	rootCmd.AddCommand(serveCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Package main is the entry point for the voicemesh control plane daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "0.1.0"
	commit  = "dev"
)

// Global flags.
var (
	configPath string
	verbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "voicemesh",
		Short: "Voice assistant session orchestration control plane",
		Long: `Voicemesh brokers real-time voice assistant sessions: it admits and
tracks sessions, gates turns through per-session endpointing and
barge-in policy, keeps conversational context, and routes finalized
transcripts to pluggable agents.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newServeCmd())

	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

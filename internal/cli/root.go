// Package cli defines Cobra command definitions for the testroom CLI.
// This file contains the root command, persistent flags and Execute.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	rootDir    string
	secretsDir string
	verbosity  int
	version    = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "testroom",
	Short: "Ephemeral, password-gated remote test rooms on EC2",
	Long: `testroom launches a cloud instance from a machine image, registers it
with a Guacamole connection broker and hands a time-boxed, password-gated
session to a participant. When the session expires or is stopped it runs a
pass/fail probe, snapshots and terminates the instance, deregisters the
connection and archives the recording.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "dir", ".", "Directory holding .testroom/")
	rootCmd.PersistentFlags().StringVar(&secretsDir, "secrets-dir", "", "Secrets directory (default from config, then /run/secrets)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (repeatable)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(recordingCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(cleanCmd)
}

// Package cmd provides the command-line interface for the atlas
// hypervisor.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use: "atlasvm",
	Short: "atlasvm manages and inspects texture-atlas-backed guest " +
		"address spaces.",
	Long: `atlasvm manages and inspects texture-atlas-backed guest ` +
		`address spaces. It can serve a live monitoring API for a demo ` +
		`hypervisor session and verify that the host translator and the ` +
		`snapshot kernel agree.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "Runbox - sandboxed code execution service",
	Long: `Runbox runs untrusted code in isolated, resource-limited Docker sandboxes
and streams the output live.

It serves a WebSocket API for interactive clients, an MCP tool surface for
agent integrations, and a CLI runner for one-off executions.`,
}

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the runbox version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("runbox", version)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

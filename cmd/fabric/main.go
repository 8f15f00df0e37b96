package main

import (
	"fmt"
	"os"

	"github.com/drpcorg/fabric/config"
	"github.com/spf13/cobra"
)

var version = "dev"

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Parse(nil)
	}
	return config.Load(path)
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fabric",
		Short: "Distributed rendering control plane node",
		Long: `fabric hosts pipes, windows and channels as actors, replicates their
state to mirrors on other nodes and answers commands sent to them.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		serveCmd(),
		consoleCmd(),
		rleCmd(),
	)
	return root
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "a2alive",
		Short:        "a2alive — A2A-Live session responder",
		Long:         "Serves the A2A-Live WebSocket protocol over negotiated sessions with signed frames.",
		Version:      version,
		SilenceUsage: true,
	}

	root.AddCommand(
		serveCmd(),
		initiateCmd(),
		signCmd(),
		tokenCmd(),
		configCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

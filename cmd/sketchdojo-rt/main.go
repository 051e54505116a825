package main

import (
	"fmt"
	"os"

	"github.com/basket/sketchdojo-rt/internal/otel"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sketchdojo-rt",
		Short:         "Realtime websocket server for collaborative webtoon rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = otel.Version

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sketchdojo-rt %s\n", otel.Version)
		},
	}
}

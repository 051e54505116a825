package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/sketchdojo-rt/internal/config"
	"github.com/basket/sketchdojo-rt/internal/doctor"
	"github.com/basket/sketchdojo-rt/internal/otel"
	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the local install: config, policy, history db, redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			var cfgPtr *config.Config
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
			} else {
				cfgPtr = &cfg
			}

			diag := doctor.Run(cmd.Context(), cfgPtr, otel.Version)
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(diag); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "sketchdojo-rt doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(out, "System: %s/%s (%s)\n---\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				for _, res := range diag.Results {
					fmt.Fprintf(out, "[%s] %-9s: %s\n", res.Status, res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(out, "       %s\n", res.Detail)
					}
				}
			}
			if n := diag.Failed(); n > 0 {
				return fmt.Errorf("%d check(s) failed", n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	return cmd
}

package main

import (
	"fmt"

	"github.com/songzhibin97/taskflow/config"
	"github.com/spf13/cobra"
)

func newLoadCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "load <file.yaml>...",
		Short: "Validate workflow definition files and store them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}

			wfs, err := config.LoadWorkflows(args...)
			if err != nil {
				return err
			}
			if cfg.Storage.Driver == "memory" {
				logger.Warn("storage.driver is memory, definitions are validated but not kept")
			}

			b, err := openBackends(cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.store.SaveWorkflows(cmd.Context(), wfs); err != nil {
				return err
			}
			for _, wf := range wfs {
				fmt.Fprintf(cmd.OutOrStdout(), "loaded %s (%d nodes, %d edges)\n", wf.ID, len(wf.Nodes), len(wf.Edges))
			}
			return nil
		},
	}
}

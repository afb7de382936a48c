package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"NetSpectraRx/internal/app"
	"NetSpectraRx/internal/config"
	"NetSpectraRx/internal/logging"
	"NetSpectraRx/internal/stats"
)

type summary struct {
	Replay      app.ReplayResult `json:"replay"`
	Counters    stats.Snapshot   `json:"counters"`
	Outstanding int64            `json:"outstanding_buffers"`
}

func main() {
	var (
		configPath string
		iface      uint8
		batch      int
		sinkType   string
	)
	cmd := &cobra.Command{
		Use:   "rx-replay <capture-file>",
		Short: "Replay a capture file through the device simulator and the engine",
		Long: `Replay a pcap or pcapng file through the device simulator and the receive
aggregation engine, then print the engine counters as JSON.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.LoadConfig(configPath); err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			}
			if sinkType != "" {
				cfg.Sink.Type = sinkType
			}
			if err := logging.SetupLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
				return err
			}

			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			a.Start()
			res, replayErr := a.Replay(cmd.Context(), args[0], iface, batch)
			if err := a.Stop(); err != nil {
				return err
			}
			if replayErr != nil {
				return replayErr
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary{
				Replay:      res,
				Counters:    a.Engine.Snapshot(),
				Outstanding: a.Pool.Stats().Outstanding(),
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the config file (defaults are used when empty)")
	cmd.Flags().Uint8Var(&iface, "iface", 0, "interface id assigned to replayed packets")
	cmd.Flags().IntVar(&batch, "batch", app.DefaultBatchSize, "packets per receive poll")
	cmd.Flags().StringVar(&sinkType, "sink", "", "override the configured sink type")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/kmzproc/internal/metrics"
	"github.com/withObsrvr/kmzproc/internal/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the upload API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, nil)
			if err != nil {
				return err
			}
			defer a.close()

			gin.SetMode(gin.ReleaseMode)

			if a.cfg.Metrics.Enabled && a.cfg.Metrics.Address != "" && a.cfg.Metrics.Address != a.cfg.HTTP.Address {
				go func() {
					if err := metrics.StartServer(a.cfg.Metrics.Address); err != nil {
						slog.Error("metrics server failed", "component", "main", "error", err)
					}
				}()
			}

			return server.New(a.cfg, a.proc, a.store).Run(ctx)
		},
	}
}

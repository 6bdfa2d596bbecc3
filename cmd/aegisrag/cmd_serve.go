package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aegisrag/aegisrag/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		serverCfg := a.cfg.Server
		if serveAddr != "" {
			serverCfg.Addr = serveAddr
		}

		srv := server.New(serverCfg, a.cfg.Ingest, server.Deps{
			DB:         a.db,
			Chunks:     a.chunks,
			History:    a.history,
			TextIndex:  a.textIndex,
			JointIndex: a.jointIndex,
			Coord:      a.coord,
			Pipeline:   a.pipeline,
			Extractor:  a.extractor,
			Logger:     logger,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
}

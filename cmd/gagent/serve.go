package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			application, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer application.close()
			application.logger.Info("starting with %s", cfg)

			errs := make(chan error, 1)
			go func() {
				errs <- application.server.Start(addr)
			}()

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errs:
				return err
			case sig := <-signals:
				application.logger.Info("received %s, shutting down", sig)
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return application.server.Shutdown(ctx)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default SERVER_ADDR)")
	return cmd
}

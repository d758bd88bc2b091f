package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"page-translator/internal/handlers"
	"page-translator/internal/logger"
	"page-translator/internal/pipeline"
)

func newServeCmd(c *cli) *cobra.Command {
	var port string
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP translation server",
		Long: `Starts an HTTP server that accepts PDF uploads on POST /api/translate,
lists past runs on /api/runs and serves outputs under /files/.`,
		Example: `  # Start server on default port 8888
  pagetrans serve

  # Start server on custom port
  pagetrans serve --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(cmd, c.cfg)
			svc, err := pipeline.NewServiceFromConfig(cmd.Context(), c.cfg, nil)
			if err != nil {
				return err
			}
			defer svc.Close()

			handler := handlers.New(svc, svc.Results(), c.cfg)
			addr := ":" + port
			server := &http.Server{
				Addr:              addr,
				Handler:           handler.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			// Start server in goroutine
			serverErr := make(chan error, 1)
			go func() {
				logger.Info("page translator available", logger.String("addr", addr), logger.String("url", "http://localhost"+addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			// Wait for context cancellation (Ctrl+C) or server error
			select {
			case <-cmd.Context().Done():
				logger.Info("shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Error("server shutdown failed", err)
					return err
				}
				logger.Info("server stopped")
				return nil
			case err := <-serverErr:
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "8888", "Port to listen on")
	flags.register(cmd)
	return cmd
}

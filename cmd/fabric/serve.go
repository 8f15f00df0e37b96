package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := openNode(ctx, cfg, nodeOptions{hostPipe: true})
			if err != nil {
				return err
			}
			defer n.Close()

			if cfg.Metrics.Addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", n.metrics())
				srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						n.log.Error("fabric: metrics server", "addr", cfg.Metrics.Addr, "err", err)
					}
				}()
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
			}

			n.log.Info("fabric: serving",
				"node", cfg.Node.ID,
				"pipe", cfg.Node.Pipe,
				"session", n.sess.ID().String(),
				"listen", cfg.Node.Listen,
				"connect", cfg.Node.Connect)
			<-ctx.Done()
			n.log.Info("fabric: shutting down", "node", cfg.Node.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "path to the TOML config")
	return cmd
}

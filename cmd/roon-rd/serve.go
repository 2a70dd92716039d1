package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdrivas/roon-rd/internal/server"
)

func newServeCmd() *cobra.Command {
	var port string
	var fake bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP/WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(true)

			rt, err := newRuntime(fake)
			if err != nil {
				return err
			}
			defer rt.shutdown()

			if port == "" {
				port = rt.cfg.Port
			}
			addr := rt.cfg.Host + ":" + port

			handler := server.NewHandler(rt.syncer, rt.images)
			srv := &http.Server{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 5 * time.Second,
			}

			shutdownCh := make(chan os.Signal, 1)
			signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

			go func() {
				<-shutdownCh
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					log.Printf("shutdown error: %v", err)
				}
			}()

			log.Printf("roon-rd listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "port to listen on (default from config)")
	cmd.Flags().BoolVar(&fake, "fake", false, "run against an in-memory fake core session")
	return cmd
}

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/els-fr/livreur/internal/backendstub"
	"github.com/els-fr/livreur/internal/errors"
	"github.com/els-fr/livreur/internal/logger"
)

func newStubBackendCmd(rt *cliEnv) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "stub-backend",
		Short: "Run an in-memory delivery backend for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStub(cmd.Context(), rt.log, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8091", "address to listen on")
	return cmd
}

func runStub(ctx context.Context, log logger.Logger, listen string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           backendstub.New(backendstub.WithLogger(log)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("stub backend listening", logger.String("addr", listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

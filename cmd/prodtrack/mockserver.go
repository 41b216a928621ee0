package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/gaborage/prodtrack/logger"
	"github.com/gaborage/prodtrack/testing/fakeapi"
)

type mockServerOptions struct {
	addr         string
	logLevel     string
	limitedRPS   float64
	limitedBurst int
	retryAfter   time.Duration
}

func newMockServerCmd(c *cli) *cobra.Command {
	opts := mockServerOptions{}

	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Serve a fake production API for local development",
		Long: `Serve an in-memory production API with the seeded accounts
operador/secreto and supervisor/supervisor-secreto.

Ctrl+C (SIGINT) or SIGTERM stops the server gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMockServer(cmd.Context(), c, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level")
	cmd.Flags().Float64Var(&opts.limitedRPS, "limited-rps", 1, "request rate allowed on the throttled route")
	cmd.Flags().IntVar(&opts.limitedBurst, "limited-burst", 1, "burst allowed on the throttled route")
	cmd.Flags().DurationVar(&opts.retryAfter, "retry-after", time.Second, "Retry-After sent with throttled responses")
	return cmd
}

func runMockServer(ctx context.Context, c *cli, opts mockServerOptions) error {
	log := logger.NewWithWriter(c.errOut, opts.logLevel, false, nil)
	srv := fakeapi.New(fakeapi.Options{
		LimitedRPS:   opts.limitedRPS,
		LimitedBurst: opts.limitedBurst,
		RetryAfter:   opts.retryAfter,
		Logger:       log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(opts.addr)
	}()
	log.Info().Str("addr", opts.addr).Msg("Mock API listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down mock API")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/toolink/admit/config"
	"github.com/toolink/admit/lifecycle"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, cfgFile)
	},
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "time allowed for a graceful shutdown")
	rootCmd.AddCommand(serveCmd)
}

// serve starts every component and blocks until ctx is done.
func serve(ctx context.Context, c *config.Config, cfgPath string) (err error) {
	a, err := newApp(c)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close())
	}()
	if err := a.ping(ctx); err != nil {
		return err
	}

	m := lifecycle.New()
	for _, comp := range a.components(cfgPath) {
		if err := m.Register(comp); err != nil {
			return err
		}
	}
	if err := m.StartAll(ctx); err != nil {
		return err
	}
	log.Info().Str("instance", a.cfg.InstanceID).Msg("admitd started")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return m.StopAll(stopCtx)
}

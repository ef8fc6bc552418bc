package main

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/els-fr/livreur/internal/api"
	"github.com/els-fr/livreur/internal/connectivity"
	"github.com/els-fr/livreur/internal/device"
	"github.com/els-fr/livreur/internal/logger"
	"github.com/els-fr/livreur/internal/push"
)

func newServeCmd(rt *cliEnv) *cobra.Command {
	var eventID, cmdID string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local shell server with the outbox, cache worker and push relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), rt, eventID, cmdID)
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "delivery event id opened in the shell")
	cmd.Flags().StringVar(&cmdID, "cmd", "", "order number of the delivery")
	return cmd
}

func serve(ctx context.Context, rt *cliEnv, eventID, cmdID string) error {
	s := rt.settings
	a, err := newApp(ctx, s, rt.log, eventID, cmdID)
	if err != nil {
		return err
	}
	defer a.Close()

	a.installShell(ctx)
	// Tasks restored from an earlier run start draining now.
	a.queue.Wake()
	_ = a.orch.LoadEventInfo(ctx)
	if s.Push.Token != "" {
		platform := s.Push.Platform
		if platform == "" {
			platform = device.PushPlatform(ctx)
		}
		a.orch.RegisterDevice(ctx, s.Push.Token, platform)
	}

	monitor := connectivity.NewMonitor(
		connectivity.HTTPProber{URL: s.Connectivity.ProbeURL, Client: &http.Client{}},
		s.Connectivity.Interval.Std(),
		connectivity.WithTimeout(s.Connectivity.Timeout.Std()),
		connectivity.WithRecorder(a.metrics),
		connectivity.WithLogger(rt.log))
	monitor.Subscribe(a.orch)

	server, err := api.New(api.Config{APIBaseURL: s.API.BaseURL, Origin: s.Cache.Origin}, api.Deps{
		Worker:       a.worker,
		Orchestrator: a.orch,
		Hub:          a.hub,
		Queue:        a.queue,
		Metrics:      a.metrics.Handler(),
		Logger:       rt.log,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return server.Run(gctx, s.Server.Listen) })
	if s.Push.Enabled {
		relay, err := push.NewRelay(push.Config{
			Broker:   s.Push.Broker,
			Topic:    s.Push.Topic,
			ClientID: s.Push.ClientID,
			Username: s.Push.Username,
			Password: s.Push.Password,
			QoS:      s.Push.QoS,
		}, a.worker,
			push.WithPreferences(a.prefs),
			push.WithRecorder(a.metrics),
			push.WithLogger(rt.log))
		if err != nil {
			return err
		}
		g.Go(func() error {
			// The client keeps working without pushes.
			if err := relay.Run(gctx); err != nil {
				rt.log.Warn("push relay stopped", logger.Error(err))
			}
			return nil
		})
	}

	rt.log.Info("livreur started",
		logger.String("listen", s.Server.Listen),
		logger.String("event_id", eventID),
		logger.Int("pending", a.queue.Len()))
	return g.Wait()
}

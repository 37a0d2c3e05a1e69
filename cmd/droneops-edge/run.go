package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"droneops-edge/internal/admin"
	"droneops-edge/internal/broker"
	"droneops-edge/internal/command"
	"droneops-edge/internal/forward"
	"droneops-edge/internal/mavlink"
	"droneops-edge/internal/metrics"
	"droneops-edge/internal/outbox"
	"droneops-edge/internal/relay"
)

var (
	runPrintOnly   bool
	runNoAutostart bool
	runHTTPAddr    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the edge relay",
	Long:  "run opens the vehicle link and the outbox, serves the control surface and starts relaying telemetry to the broker.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if runHTTPAddr != "" {
			cfg.HTTP.Addr = runHTTPAddr
		}

		box, err := outbox.Open(cfg.Outbox.Path, outbox.WithLogger(logger.With("component", "outbox")))
		if err != nil {
			return err
		}
		defer box.Close()

		link, err := mavlink.Open(cfg.MAVLink, logger.With("component", "mavlink"))
		if err != nil {
			return err
		}
		defer link.Close()

		writers, cleanup, err := newSinks(cfg, runPrintOnly, logger)
		if err != nil {
			return err
		}
		defer cleanup()
		sinks := make([]forward.Sink, 0, len(writers))
		for _, w := range writers {
			sinks = append(sinks, w)
		}

		m := metrics.New(nil)
		svc, err := relay.New(relay.Deps{
			Config:       cfg,
			Link:         link,
			Transport:    broker.NewPahoTransport(cfg.MQTT),
			Outbox:       box,
			Collaborator: command.NewHTTPCollaborator(cfg.Collaborators.OTAURL, cfg.Collaborators.MAVLinkURL, cfg.Collaborators.Timeout),
			Sinks:        sinks,
			Metrics:      m,
			Logger:       logger,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := admin.NewServer(svc, m.Handler(), logger.With("component", "http"))
		srvErr := make(chan error, 1)
		go func() { srvErr <- srv.Start(cfg.HTTP.Addr) }()

		if !runNoAutostart {
			go func() {
				// a failed start leaves the control surface up for a later POST /start
				if err := svc.Start(ctx); err != nil && !errors.Is(err, relay.ErrAlreadyRunning) {
					logger.Error("relay start failed", "err", err)
				}
			}()
		}

		select {
		case <-ctx.Done():
		case err := <-srvErr:
			if err != nil {
				logger.Error("control surface failed", "err", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := svc.Stop(shutdownCtx); err != nil && !errors.Is(err, relay.ErrNotRunning) {
			logger.Warn("relay stop", "err", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("control surface shutdown", "err", err)
		}
		logger.Info("edge relay stopped")
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runPrintOnly, "print-only", false, "Also print relayed telemetry to STDOUT")
	runCmd.Flags().BoolVar(&runNoAutostart, "no-autostart", false, "Wait for POST /start instead of starting immediately")
	runCmd.Flags().StringVar(&runHTTPAddr, "http", os.Getenv("EDGE_HTTP_ADDR"), "Control surface listen address (overrides config)")
}

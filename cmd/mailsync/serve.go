package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/metrics"
)

func newServeCmd(e *env) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Poll every account in the background until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if metricsAddr == "" {
				metricsAddr = e.cfg.Metrics.Listen
			}

			if metricsAddr != "" {
				srv := serveMetrics(metricsAddr, e.log)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			poller, err := e.svc.NewPoller(ctx)
			if err != nil {
				return err
			}
			poller.Start()
			defer poller.Stop()

			e.log.WithField("interval", e.cfg.Sync.Interval).Info("polling started")
			for {
				select {
				case <-ctx.Done():
					e.log.Info("shutting down")
					return nil
				case res := <-poller.Results():
					log := e.log.WithFields(logrus.Fields{
						"account": res.AccountID,
						"stored":  res.NewCount,
					})
					if res.Error != nil {
						log.WithError(res.Error).Warn("sync attempt failed")
						continue
					}
					log.Info("sync complete")
				}
			}
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on this address (overrides config)")
	return cmd
}

func serveMetrics(addr string, log logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("addr", addr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	return srv
}

// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"klipper-powerloss/pkg/host"
	"klipper-powerloss/pkg/log"
	"klipper-powerloss/pkg/metrics"
	"klipper-powerloss/pkg/moonraker"
	"klipper-powerloss/pkg/sim"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var (
		address        string
		metricsAddress string
		metricsUser    string
		metricsPass    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host API over a simulated printer",
		Long: `serve starts the host with its checkpoint store on a simulated printer and
exposes the Moonraker compatible API and the Prometheus metrics. Jobs are
read from the configured job directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}
			if metricsAddress != "" {
				cfg.Server.MetricsAddress = metricsAddress
			}
			logger := log.GetLogger("plrecovery")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := os.MkdirAll(cfg.Stream.SDCardDir, 0o755); err != nil {
				return err
			}
			machine := sim.New(sim.DefaultConfig())
			sys, err := host.Assemble(ctx, cfg, machine, machine.Controllers()...)
			if err != nil {
				return err
			}
			defer sys.Close()

			api := moonraker.New(moonraker.Config{Addr: cfg.Server.Address, Backend: sys})
			metricsCfg := metrics.DefaultServerConfig()
			metricsCfg.Address = cfg.Server.MetricsAddress
			metricsCfg.Username = metricsUser
			metricsCfg.Password = metricsPass
			ms := metrics.NewServerWithConfig(sys.Metrics, metricsCfg)

			errCh := make(chan error, 2)
			go func() { errCh <- api.Start() }()
			metricsErr := ms.StartAsync()
			logger.WithFields(log.Fields{
				"api":     cfg.Server.Address,
				"metrics": cfg.Server.MetricsAddress,
				"jobs":    cfg.Stream.SDCardDir,
				"store":   cfg.Store.Dir,
			}).Info("serving")

			select {
			case <-ctx.Done():
			case err = <-errCh:
			case err = <-metricsErr:
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if stopErr := api.Stop(shutdownCtx); stopErr != nil {
				logger.WithError(stopErr).Warn("API shutdown failed")
			}
			if stopErr := ms.Shutdown(shutdownCtx); stopErr != nil {
				logger.WithError(stopErr).Warn("metrics shutdown failed")
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&address, "address", "", "API address (overrides server.address)")
	flags.StringVar(&metricsAddress, "metrics-address", "", "metrics address (overrides server.metrics_address)")
	flags.StringVar(&metricsUser, "metrics-user", "", "basic auth user for /metrics")
	flags.StringVar(&metricsPass, "metrics-password", "", "basic auth password for /metrics")
	return cmd
}

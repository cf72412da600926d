package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/leoschopen/hiper/internal/config"
	"github.com/leoschopen/hiper/internal/hook"
	"github.com/leoschopen/hiper/internal/ioreactor"
	"github.com/leoschopen/hiper/internal/logx"
	"github.com/leoschopen/hiper/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var (
		configPath  string
		listenAddr  string
		metricsAddr string
		threads     int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "boot a scheduler/reactor pair and run the TCP echo facade",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = config.Overlay(cfg, config.NewViper())
			applyFlagOverrides(cmd, &cfg)

			hook.SetConnectTimeoutMS(cfg.TCPConnectTimeMS)

			m, err := ioreactor.New(threads, false, "hiperd",
				ioreactor.WithMaxBatch(cfg.ReactorMaxBatch),
				ioreactor.WithMaxWaitMS(cfg.ReactorMaxWaitMS))
			if err != nil {
				return fmt.Errorf("hiperd: new reactor: %w", err)
			}
			m.Start()

			if err := runEcho(m, listenAddr); err != nil {
				m.Stop()
				_ = m.Close()
				return err
			}

			metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsHandler()}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logx.L("hiperd").Errorw("metrics server stopped", "error", err)
				}
			}()

			log := logx.L("hiperd")
			log.Infow("hiperd started", "listen", listenAddr, "metrics", metricsAddr, "threads", threads)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh

			log.Infow("shutting down")
			_ = metricsSrv.Close()
			m.Stop()
			return m.Close()
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:9999", "TCP echo listen address")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9998", "Prometheus /metrics listen address")
	cmd.Flags().IntVar(&threads, "threads", 4, "reactor worker thread count")
	cmd.Flags().Int("fiber-stack-size", 0, "override fiber stack size in bytes")
	cmd.Flags().Int64("tcp-connect-timeout-ms", 0, "override tcp connect timeout in ms")
	cmd.Flags().Int("reactor-max-batch", 0, "override reactor max batch")
	cmd.Flags().Int64("reactor-max-wait-ms", 0, "override reactor max wait in ms")

	return cmd
}

// applyFlagOverrides layers explicitly-passed CLI flags on top of cfg,
// taking precedence over both the YAML file and the environment overlay.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("fiber-stack-size") {
		v, _ := cmd.Flags().GetInt("fiber-stack-size")
		cfg.FiberStackSize = v
	}
	if cmd.Flags().Changed("tcp-connect-timeout-ms") {
		v, _ := cmd.Flags().GetInt64("tcp-connect-timeout-ms")
		cfg.TCPConnectTimeMS = v
	}
	if cmd.Flags().Changed("reactor-max-batch") {
		v, _ := cmd.Flags().GetInt("reactor-max-batch")
		cfg.ReactorMaxBatch = v
	}
	if cmd.Flags().Changed("reactor-max-wait-ms") {
		v, _ := cmd.Flags().GetInt64("reactor-max-wait-ms")
		cfg.ReactorMaxWaitMS = v
	}
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	return mux
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"murmur/internal/config"
	"murmur/internal/relay/server"
)

const shutdownTimeout = 5 * time.Second

var (
	configFile  string
	listenAddr  string
	metricsAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "relay",
		Short: "Store-and-forward relay for murmur peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultRelay()
			if configFile != "" {
				var err error
				if cfg, err = config.LoadRelayFile(configFile); err != nil {
					return fmt.Errorf("loading %s: %w", configFile, err)
				}
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}
			if metricsAddr != "" {
				cfg.Server.MetricsAddr = metricsAddr
			}
			if err := cfg.FixupAndValidate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&configFile, "config", "f", "", "path to the relay TOML config")
	root.Flags().StringVar(&listenAddr, "listen", "", "override Server.ListenAddr")
	root.Flags().StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address (overrides Server.MetricsAddr)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// run serves the relay until ctx is cancelled.
//
// Steps:
//  1. Open the log backend and register metrics.
//  2. Serve the relay handler, and the metrics handler when configured.
//  3. On shutdown, close peer connections then drain the HTTP servers.
func run(ctx context.Context, cfg *config.RelayConfig) error {
	logs, err := cfg.Logging.NewBackend()
	if err != nil {
		return err
	}
	defer logs.Close()
	log := logs.GetLogger("relay")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv := server.New(cfg.ServerConfig(), logs.GetLogger("relay/server"), server.NewMetrics("murmur_relay", reg))

	servers := []*http.Server{{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logs.GetGoLogger("relay/http", "warning"),
	}}
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errCh := make(chan error, len(servers))
	for _, hs := range servers {
		log.Noticef("Listening on %s", hs.Addr)
		go func(hs *http.Server) {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", hs.Addr, err)
			}
		}(hs)
	}

	select {
	case <-ctx.Done():
		log.Notice("Shutting down")
	case err = <-errCh:
		log.Errorf("Server failed: %v", err)
	}

	srv.Close()
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, hs := range servers {
		if serr := hs.Shutdown(shutCtx); serr != nil {
			log.Warningf("Shutdown %s: %v", hs.Addr, serr)
		}
	}
	return err
}

// Package main provides the CLI entry point for reactorsocksd.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/lumen-proxy/reactorsocks/internal/config"
	"github.com/lumen-proxy/reactorsocks/internal/dnsresolver"
	"github.com/lumen-proxy/reactorsocks/internal/logging"
	"github.com/lumen-proxy/reactorsocks/internal/metrics"
	"github.com/lumen-proxy/reactorsocks/internal/recovery"
	"github.com/lumen-proxy/reactorsocks/internal/socks5"
	"github.com/lumen-proxy/reactorsocks/internal/sysinfo"
	"github.com/lumen-proxy/reactorsocks/internal/wizard"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"golang.org/x/time/rate"
)

// Version is set at build time via ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		Version = sysinfo.Version
	} else {
		sysinfo.Version = Version
	}
}

func main() {
	var (
		resolvConfPath string
		dnsFallback    string
		metricsAddr    string
		configPath     string
		logLevel       string
		logFormat      string
		interactive    bool
	)

	rootCmd := &cobra.Command{
		Use:   "reactorsocksd [port]",
		Short: "A single-threaded SOCKS5 proxy with asynchronous DNS resolution",
		Long: `reactorsocksd is a SOCKS5 proxy (CONNECT only, no authentication)
built on a single-threaded, readiness-based reactor. It resolves
DNS-named targets asynchronously against a single shared UDP socket
instead of blocking a worker thread per lookup.`,
		Version: Version,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			if resolvConfPath != "" {
				cfg.DNS.ResolvConfPath = resolvConfPath
			}
			if dnsFallback != "" {
				cfg.DNS.Fallback = dnsFallback
			}
			if metricsAddr != "" {
				cfg.Metrics.Address = metricsAddr
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if logFormat != "" {
				cfg.Log.Format = logFormat
			}

			switch {
			case len(args) == 1:
				port, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid port %q: %w", args[0], err)
				}
				cfg.Listen.Address = fmt.Sprintf("0.0.0.0:%d", port)
			case interactive && term.IsTerminal(int(os.Stdin.Fd())):
				result, err := wizard.New(cfg).Run()
				if err != nil {
					return err
				}
				cfg.Listen.Address = fmt.Sprintf("0.0.0.0:%d", result.Port)
				if result.ResolvConfPath != "" {
					cfg.DNS.ResolvConfPath = result.ResolvConfPath
				}
				cfg.DNS.Fallback = result.DNSFallback
			default:
				return fmt.Errorf("a listen port is required (pass it as an argument, or use --interactive)")
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(cfg)
		},
	}

	rootCmd.Flags().StringVar(&resolvConfPath, "resolv-conf", "", "path to a resolv.conf-style file to read the nameserver from")
	rootCmd.Flags().StringVar(&dnsFallback, "dns-fallback", "", "fallback DNS server (ip:port) used when resolv.conf has none")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables it)")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file; flags override its values")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "", "log format: text, json")
	rootCmd.Flags().BoolVar(&interactive, "interactive", false, "launch the setup wizard when no port is given")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(cfg *config.Config) error {
	log := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	m := metrics.Default()

	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			defer recovery.RecoverWithLog(log, "metrics-server")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", logging.KeyError, err)
			}
		}()
		defer metricsSrv.Close()
		log.Info("metrics listening", "addr", cfg.Metrics.Address)
	}

	srv, err := socks5.NewServer(socks5.Config{
		ListenAddr: cfg.Listen.Address,
		DNS: dnsresolver.Config{
			ResolvConfPath: cfg.DNS.ResolvConfPath,
			Fallback:       cfg.DNS.Fallback,
			Timeout:        cfg.DNS.Timeout,
			RateLimit:      rate.Limit(cfg.DNS.RateLimit),
			RateBurst:      cfg.DNS.RateBurst,
		},
		Logger:  log,
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer srv.Close()

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer recovery.RecoverWithLog(log, "signal-handler")
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig.String())
		close(stop)
	}()

	log.Info("reactorsocksd starting", "addr", srv.Addr().String())
	if err := srv.Run(stop); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	log.Info("reactorsocksd stopped")
	return nil
}

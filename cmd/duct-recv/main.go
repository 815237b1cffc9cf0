// Command duct-recv is the receiving half of the CLI surface (spec.md §6).
// It binds, learns its peer from the first datagram it receives (there is
// no handshake to exchange addresses up front), and writes everything
// delivered on the reliable channel to --out. Grounded the same way as
// cmd/duct-send.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aetherflow/duct/internal/metricsx"
	duct "github.com/aetherflow/duct/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	listen := flag.String("listen", "", "local host:port to bind (required)")
	out := flag.String("out", "", "file to write delivered bytes to (default: stdout)")
	sack := flag.Bool("sack", false, "enable SACK feedback on the reliable channel")
	window := flag.Uint("window", 32, "receiver window")
	verbose := flag.Bool("v", false, "verbose logging")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this host:port")
	flag.Parse()

	if *listen == "" {
		fmt.Fprintln(os.Stderr, "duct-recv: -listen is required")
		return 1
	}

	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()

	tr, err := duct.New(duct.Config{
		Window:       uint32(*window),
		ProbReliable: 1.0,
		SACKEnabled:  *sack,
		Verbose:      *verbose,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to create transport", zap.Error(err))
		return 1
	}
	defer tr.Close()

	if err := tr.Bind(*listen); err != nil {
		logger.Error("bind failed", zap.Error(err))
		return 1
	}

	outFile := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			logger.Error("failed to create output file", zap.Error(err))
			return 1
		}
		defer f.Close()
		outFile = f
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var collector *metricsx.Collector
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		collector = metricsx.NewCollector(reg, "duct_recv")
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", zap.String("metrics_addr", *metricsAddr))
	}

	logger.Info("listening", zap.String("listen", *listen))

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
			stats := tr.Stats()
			if collector != nil {
				collector.Update(stats)
			}
			logger.Info("final stats",
				zap.Uint64("segments_delivered", stats.Receiver.TotalOrdered),
				zap.Uint64("duplicates", stats.Receiver.Duplicates),
				zap.Uint64("dropped", stats.Receiver.Dropped),
				zap.Uint64("malformed_dropped", stats.Malformed),
			)
			return 0
		default:
		}

		if err := tr.Poll(50 * time.Millisecond); err != nil {
			logger.Error("poll failed", zap.Error(err))
			return 1
		}
		chunk, err := tr.Recv(64 * 1024)
		if err != nil {
			logger.Error("recv failed", zap.Error(err))
			return 1
		}
		if len(chunk) > 0 {
			if _, err := outFile.Write(chunk); err != nil {
				logger.Error("write failed", zap.Error(err))
				return 1
			}
		}
		if collector != nil {
			collector.Update(tr.Stats())
		}
	}
}

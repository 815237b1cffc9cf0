// Command duct-send is the reliable/unreliable traffic generator described
// in spec.md §6's CLI surface table. It is an external collaborator: it
// never touches transport internals beyond the public New/Bind/Connect/
// Send/Poll/Drain/Close surface. Grounded on the teacher's
// examples/quantum/client/main.go for the connect-send-report shape and on
// cmd/session-service/main.go for the flag+zap+exit-code idiom.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aetherflow/duct/internal/metricsx"
	duct "github.com/aetherflow/duct/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	dst := flag.String("dst", "", "destination host:port (required)")
	numPackets := flag.Int("num-packets", 100, "number of payloads to send")
	pps := flag.Float64("rate", 50, "send rate in packets per second")
	probReliable := flag.Float64("prob-reliable", 1.0, "per-segment probability of reliable-channel assignment")
	sack := flag.Bool("sack", false, "enable SACK feedback on the reliable channel")
	window := flag.Uint("window", 32, "reliable sender window")
	payloadSize := flag.Int("payload-size", 64, "bytes per generated payload")
	verbose := flag.Bool("v", false, "verbose logging")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this host:port")
	flag.Parse()

	if *dst == "" {
		fmt.Fprintln(os.Stderr, "duct-send: -dst is required")
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
		ProbReliable: *probReliable,
		SACKEnabled:  *sack,
		Verbose:      *verbose,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to create transport", zap.Error(err))
		return 1
	}
	defer tr.Close()

	if err := tr.Bind("0.0.0.0:0"); err != nil {
		logger.Error("bind failed", zap.Error(err))
		return 1
	}
	if err := tr.Connect(*dst); err != nil {
		logger.Error("connect failed", zap.Error(err))
		return 1
	}

	logger.Info("sending",
		zap.String("dst", *dst),
		zap.Int("num_packets", *numPackets),
		zap.Float64("rate_pps", *pps),
		zap.Float64("prob_reliable", *probReliable),
	)

	var collector *metricsx.Collector
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		collector = metricsx.NewCollector(reg, "duct_send")
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

	limiter := rate.NewLimiter(rate.Limit(*pps), 1)
	ctx := context.Background()

	payload := make([]byte, *payloadSize)
	for i := 0; i < *numPackets; i++ {
		if err := limiter.Wait(ctx); err != nil {
			logger.Error("rate limiter wait failed", zap.Error(err))
			return 1
		}
		fillPayload(payload, i)
		if _, err := tr.Send(payload); err != nil {
			logger.Error("send failed", zap.Error(err))
			return 1
		}
		if err := tr.Poll(5 * time.Millisecond); err != nil {
			logger.Error("poll failed", zap.Error(err))
			return 1
		}
		if collector != nil {
			collector.Update(tr.Stats())
		}
	}

	if err := tr.Drain(); err != nil {
		logger.Error("drain failed", zap.Error(err))
		return 1
	}

	stats := tr.Stats()
	if collector != nil {
		collector.Update(stats)
	}
	logger.Info("done",
		zap.Uint64("segments_sent", stats.Sender.TotalSent),
		zap.Uint64("timeout_retrans", stats.Sender.TimeoutRetrans),
		zap.Uint64("fast_retrans", stats.Sender.FastRetrans),
		zap.Duration("rto", stats.RTO),
		zap.Uint64("malformed_dropped", stats.Malformed),
	)
	return 0
}

func fillPayload(buf []byte, seed int) {
	r := rand.New(rand.NewSource(int64(seed)))
	r.Read(buf)
}

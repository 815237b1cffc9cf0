// Command lossgen is the "packet-loss emulation harness" named as an
// out-of-scope collaborator (spec.md §1). It is a UDP-to-UDP relay that
// sits between a real sender and receiver and reproduces a lossy, jittery,
// reordering link for them, so the reliable/unreliable channels can be
// exercised against something worse than loopback. Grounded on
// tools/stress-test/main.go's worker/flag/zap/signal idiom, repurposed from
// HTTP load generation to packet shaping, and on cmd/session-service's
// YAML-config-with-defaults idiom.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

func main() {
	os.Exit(run())
}

func run() int {
	listen := flag.String("listen", "", "local host:port to accept datagrams on (required)")
	upstream := flag.String("upstream", "", "host:port to relay datagrams to (required)")
	profilePath := flag.String("profile", "", "YAML shaping profile path (default: no shaping)")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if *listen == "" || *upstream == "" {
		fmt.Fprintln(os.Stderr, "lossgen: -listen and -upstream are both required")
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

	profile, err := loadProfile(*profilePath)
	if err != nil {
		logger.Error("failed to load shaping profile", zap.Error(err))
		return 1
	}

	upstreamAddr, err := net.ResolveUDPAddr("udp", *upstream)
	if err != nil {
		logger.Error("failed to resolve upstream", zap.Error(err))
		return 1
	}

	r := &Relay{
		profile:  profile,
		logger:   logger,
		upstream: upstreamAddr,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := r.listen(*listen); err != nil {
		logger.Error("listen failed", zap.Error(err))
		return 1
	}
	defer r.Close()

	logger.Info("relaying",
		zap.String("listen", *listen),
		zap.String("upstream", *upstream),
		zap.Float64("loss_pct", profile.LossPercent),
		zap.Float64("reorder_pct", profile.ReorderPercent),
		zap.Duration("extra_latency", profile.ExtraLatency()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Run()
	}()

	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	r.Stop()
	final := r.Stats()
	logger.Info("final stats",
		zap.Uint64("datagrams_seen", final.Seen),
		zap.Uint64("dropped", final.Dropped),
		zap.Uint64("reordered", final.Reordered),
		zap.Uint64("delayed", final.Delayed),
		zap.Uint64("relayed", final.Relayed),
	)
	return 0
}

// Profile is the loss/reorder/latency shaping profile loaded from YAML
// (cmd/session-service's DefaultConfig-then-Unmarshal idiom: a zero profile
// is a transparent relay, so a missing -profile flag is not an error).
type Profile struct {
	LossPercent    float64 `yaml:"LossPercent"`
	ReorderPercent float64 `yaml:"ReorderPercent"`
	ExtraLatencyMS int     `yaml:"ExtraLatencyMS"`
	ReorderDelayMS int     `yaml:"ReorderDelayMS"`
}

func (p Profile) ExtraLatency() time.Duration { return time.Duration(p.ExtraLatencyMS) * time.Millisecond }

func defaultProfile() Profile {
	return Profile{
		LossPercent:    0,
		ReorderPercent: 0,
		ExtraLatencyMS: 0,
		ReorderDelayMS: 20,
	}
}

func loadProfile(path string) (Profile, error) {
	profile := defaultProfile()
	if path == "" {
		return profile, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return profile, fmt.Errorf("read shaping profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return profile, fmt.Errorf("parse shaping profile: %w", err)
	}
	return profile, nil
}

// Stats mirrors the counters spec.md §1 expects an external "statistics
// reporting" collaborator to accumulate; nothing in the core transport
// reads these.
type Stats struct {
	Seen      uint64
	Dropped   uint64
	Reordered uint64
	Delayed   uint64
	Relayed   uint64
}

// Relay is a single-direction-at-a-time datagram shaper: one goroutine
// reads from the listen socket and hands datagrams to per-packet shaping
// delay timers, exactly as tools/stress-test fires off one worker goroutine
// per concurrent unit of work and guards shared counters with a mutex
// rather than a cooperative poll loop (lossgen is an external harness, not
// part of the core's single-threaded model).
type Relay struct {
	profile  Profile
	logger   *zap.Logger
	upstream *net.UDPAddr
	rng      *rand.Rand

	conn   *net.UDPConn
	peer   *net.UDPAddr
	peerMu sync.Mutex

	stats   Stats
	statsMu sync.Mutex

	closing chan struct{}
	wg      sync.WaitGroup
}

func (r *Relay) listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	r.conn = conn
	r.closing = make(chan struct{})
	return nil
}

// Run dials upstream on a socket of its own, starts pumpUpstream to carry
// replies back, and then reads datagrams from the listen socket, recording
// each one's source address as "the client" before shaping and forwarding
// it upstream.
func (r *Relay) Run() {
	buf := make([]byte, 65536)
	upConn, err := net.DialUDP("udp", nil, r.upstream)
	if err != nil {
		r.logger.Error("failed to dial upstream", zap.Error(err))
		return
	}
	defer upConn.Close()

	r.wg.Add(1)
	go r.pumpUpstream(upConn)

	for {
		select {
		case <-r.closing:
			return
		default:
		}
		r.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		r.peerMu.Lock()
		r.peer = from
		r.peerMu.Unlock()

		datagram := append([]byte(nil), buf[:n]...)
		r.shapeAndForward(datagram, upConn)
	}
}

// pumpUpstream relays upstream's replies straight back to whichever client
// address was last observed, without shaping — loss/reorder/latency are
// simulated in the client->upstream direction, matching a loss-generation
// harness that sits in front of a receiver.
func (r *Relay) pumpUpstream(upConn *net.UDPConn) {
	defer r.wg.Done()
	buf := make([]byte, 65536)
	for {
		select {
		case <-r.closing:
			return
		default:
		}
		upConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := upConn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		r.peerMu.Lock()
		peer := r.peer
		r.peerMu.Unlock()
		if peer == nil {
			continue
		}
		r.conn.WriteToUDP(buf[:n], peer)
	}
}

func (r *Relay) shapeAndForward(datagram []byte, upConn *net.UDPConn) {
	r.bump(func(s *Stats) { s.Seen++ })

	if r.rng.Float64()*100 < r.profile.LossPercent {
		r.bump(func(s *Stats) { s.Dropped++ })
		return
	}

	delay := r.profile.ExtraLatency()
	if r.rng.Float64()*100 < r.profile.ReorderPercent {
		delay += time.Duration(r.profile.ReorderDelayMS) * time.Millisecond
		r.bump(func(s *Stats) { s.Reordered++ })
	}
	if delay > 0 {
		r.bump(func(s *Stats) { s.Delayed++ })
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.closing:
				return
			}
		}
		if _, err := upConn.Write(datagram); err != nil {
			r.logger.Warn("relay write failed", zap.Error(err))
			return
		}
		r.bump(func(s *Stats) { s.Relayed++ })
	}()
}

func (r *Relay) bump(f func(*Stats)) {
	r.statsMu.Lock()
	f(&r.stats)
	r.statsMu.Unlock()
}

func (r *Relay) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

func (r *Relay) Stop() {
	close(r.closing)
	r.wg.Wait()
}

func (r *Relay) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

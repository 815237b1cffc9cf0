// Package duct is the Transport Facade (spec.md §4.6): the public surface
// that multiplexes a reliable selective-repeat+SACK channel and an
// unreliable fire-and-forget channel over one UDP socket, and drives the
// cooperative poll loop. It is grounded on the teacher's
// internal/quantum/transport/conn.go for socket lifecycle and
// internal/quantum/connection.go for the shape of the public surface, but
// the handshake connection.go performs is gone (spec.md Non-goal: no
// negotiation) and there are no background goroutines: every exported
// method here runs synchronously, called from the application's own loop.
package duct

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/aetherflow/duct/internal/clock"
	"github.com/aetherflow/duct/internal/fec"
	"github.com/aetherflow/duct/internal/receiver"
	"github.com/aetherflow/duct/internal/sender"
	"github.com/aetherflow/duct/internal/unreliable"
	"github.com/aetherflow/duct/internal/wire"
	"github.com/aetherflow/duct/pkg/guuid"
)

// DefaultMSS is the largest application payload cut into one reliable
// segment (spec.md §6).
const DefaultMSS = 1024

// DefaultDrainTimeout bounds how long Drain will keep polling before
// reporting ErrDrainTimeout. spec.md's drain() signature takes no deadline
// argument, so the bound lives on Config instead.
const DefaultDrainTimeout = 30 * time.Second

// DefaultDrainSlice is the poll timeout Drain uses for each internal poll
// step (spec.md §5 "a bounded slice (default 50 ms)").
const DefaultDrainSlice = 50 * time.Millisecond

// Config configures a Transport at construction time. Window and
// ProbReliable correspond directly to spec.md §6's new(window,
// prob_reliable, verbose); the rest are ambient knobs the spec leaves
// implementation-defined (MSS override, SACK toggle, FEC, logging, and the
// seedable RNG spec.md §9 calls for).
type Config struct {
	// Window is the reliable sender's fixed window W and, unless
	// RecvWindow overrides it, the receiver's reorder-buffer window W_r.
	Window uint32

	// RecvWindow overrides the receiver's window independently of the
	// sender's. Zero means "use Window".
	RecvWindow uint32

	// ProbReliable is the per-segment probability of reliable-channel
	// assignment (spec.md §4.6).
	ProbReliable float64

	// MSS caps payload size per reliable segment. Zero means DefaultMSS.
	MSS int

	// SACKEnabled toggles whether the local receiver reports SACK blocks
	// (the --sack CLI flag) or only ever emits cumulative ACKs.
	SACKEnabled bool

	// Seed seeds the channel-assignment RNG for deterministic tests
	// (spec.md §9 "Global state"). Zero means seed from the wall clock.
	Seed int64

	// FEC enables the supplemented optional Reed-Solomon forward error
	// correction on the reliable channel (SPEC_FULL.md §D). Disabled by
	// default — nothing in spec.md itself mentions FEC.
	FEC *fec.Config

	// DrainTimeout bounds Drain. Zero means DefaultDrainTimeout.
	DrainTimeout time.Duration

	// Verbose enables development-mode (human-readable) logging when
	// Logger is nil, mirroring the teacher's -v flag idiom. Ignored if
	// Logger is set explicitly.
	Verbose bool

	// Logger receives structured diagnostics. Nil means a logger is built
	// from Verbose (or nop if building one fails).
	Logger *zap.Logger
}

// Transport is the facade: one UDP socket plus a Reliable Sender, a
// Reliable Receiver, and an Unreliable Path. All mutable state is reachable
// only through its exported methods (spec.md §5 "Shared resource policy").
type Transport struct {
	cfg    Config
	logger *zap.Logger

	conn       *net.UDPConn
	localAddr  *net.UDPAddr
	remoteAddr *net.UDPAddr
	bound      bool
	connected  bool
	closed     bool

	clk      clock.Source
	codec    *wire.Codec
	sender   *sender.Sender
	receiver *receiver.Receiver
	unrel    *unreliable.Path

	rng           *rand.Rand
	unrelNextSeq  uint32
	fecEnc        *fec.Encoder
	fecDec        *fec.Decoder
	fecDataShards int

	readBuf []byte
	writeBuf []byte
}

// New validates cfg and returns a Transport with no socket yet (spec.md §6
// new()). Bind and/or Connect must follow before Send/Recv/Poll do
// anything useful.
func New(cfg Config) (*Transport, error) {
	if cfg.Window == 0 || cfg.Window >= (1<<30) {
		return nil, fmt.Errorf("%w: window %d out of range [1, 2^30)", ErrInvalidArgument, cfg.Window)
	}
	if cfg.ProbReliable < 0 || cfg.ProbReliable > 1 {
		return nil, fmt.Errorf("%w: prob_reliable %f out of range [0,1]", ErrInvalidArgument, cfg.ProbReliable)
	}
	if cfg.MSS <= 0 {
		cfg.MSS = DefaultMSS
	}
	if cfg.MSS > wire.MaxPayloadSize {
		return nil, fmt.Errorf("%w: mss %d exceeds datagram budget %d", ErrInvalidArgument, cfg.MSS, wire.MaxPayloadSize)
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = cfg.Window
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		var err error
		if cfg.Verbose {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			logger = zap.NewNop()
		}
	}

	// Every log line this Transport emits carries its own correlation id,
	// so logs from several connections in one process (e.g. tests) don't
	// get attributed to the wrong one.
	connID, err := guuid.New()
	if err != nil {
		return nil, fmt.Errorf("duct: generate connection id: %w", err)
	}
	logger = logger.With(zap.String("conn_id", connID.String()))

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	clk := clock.NewRealClock()
	t := &Transport{
		cfg:      cfg,
		logger:   logger,
		clk:      clk,
		codec:    wire.NewCodec(),
		sender:   sender.New(cfg.Window, clk),
		receiver: receiver.New(cfg.RecvWindow),
		unrel:    unreliable.New(),
		rng:      rand.New(rand.NewSource(seed)),
		readBuf:  make([]byte, wire.MaxDatagramSize),
		writeBuf: make([]byte, wire.MaxDatagramSize),
	}

	if cfg.FEC != nil {
		enc, err := fec.NewEncoder(cfg.FEC)
		if err != nil {
			return nil, fmt.Errorf("duct: fec encoder: %w", err)
		}
		dec, err := fec.NewDecoder(cfg.FEC)
		if err != nil {
			return nil, fmt.Errorf("duct: fec decoder: %w", err)
		}
		t.fecEnc = enc
		t.fecDec = dec
		t.fecDataShards = cfg.FEC.DataShards
	}

	return t, nil
}

// Bind opens the local UDP socket (spec.md §6 bind(addr)).
func (t *Transport) Bind(addr string) error {
	if t.conn != nil {
		return ErrAlreadyBound
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return wrapIO("resolve", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return wrapIO("listen", err)
	}
	t.conn = conn
	t.localAddr = conn.LocalAddr().(*net.UDPAddr)
	t.bound = true
	t.logger.Info("bound", zap.String("local_addr", t.localAddr.String()))
	return nil
}

// Connect records the remote peer (spec.md §6 connect(addr)). There is no
// handshake: both endpoints are assumed to already agree on window sizes
// (spec.md Non-goal). If the socket has not been bound yet, Connect dials
// directly, picking an ephemeral local port the way net.DialUDP does.
func (t *Transport) Connect(addr string) error {
	if t.connected {
		return ErrAlreadyConnected
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return wrapIO("resolve", err)
	}

	if t.conn == nil {
		conn, err := net.DialUDP("udp", nil, udpAddr)
		if err != nil {
			return wrapIO("dial", err)
		}
		t.conn = conn
		t.localAddr = conn.LocalAddr().(*net.UDPAddr)
		t.bound = true
	}

	t.remoteAddr = udpAddr
	t.connected = true
	t.logger.Info("connected", zap.String("remote_addr", udpAddr.String()))
	return nil
}

// Send cuts data into at-most-MSS segments, assigning each to the reliable
// or unreliable channel per spec.md §4.6's per-segment draw, and returns
// how many leading bytes were accepted. It may accept fewer bytes than
// offered once the reliable window fills (spec.md §6).
func (t *Transport) Send(data []byte) (int, error) {
	if t.closed {
		return 0, ErrClosed
	}
	if !t.connected {
		return 0, ErrNotConnected
	}

	accepted := 0
	for len(data) > 0 {
		n := t.cfg.MSS
		if n > len(data) {
			n = len(data)
		}
		chunk := data[:n]

		if t.rng.Float64() < t.cfg.ProbReliable {
			if !t.sender.CanEnqueue() {
				break
			}
			payload := append([]byte(nil), chunk...)
			seqNo, _ := t.sender.Enqueue(payload)
			if t.fecEnc != nil {
				t.feedEncoder(seqNo, payload)
			}
		} else {
			t.unrel.Enqueue(append([]byte(nil), chunk...))
		}

		accepted += n
		data = data[n:]
	}
	return accepted, nil
}

// Recv pops up to max bytes from the reliable channel's delivery buffer
// (spec.md §6 recv(max_bytes)). It never blocks and may return zero bytes.
func (t *Transport) Recv(max int) ([]byte, error) {
	if t.closed {
		return nil, ErrClosed
	}
	return t.receiver.Read(max), nil
}

// RecvUnreliable pops the oldest undelivered unreliable message, or nil if
// none is queued. This is a supplemented read path (spec.md §4.5 describes
// the delivery queue but §6's table only enumerates the reliable recv) —
// without it the unreliable channel would have no application-facing exit.
func (t *Transport) RecvUnreliable() ([]byte, error) {
	if t.closed {
		return nil, ErrClosed
	}
	return t.unrel.Read(), nil
}

// Poll performs one cooperative step (spec.md §4.6 "Poll step"): it
// transmits due segments, reads the socket for up to timeout, classifies
// and routes every datagram, and emits receiver feedback inline as each
// DATA packet is processed. Poll never blocks longer than timeout.
func (t *Transport) Poll(timeout time.Duration) error {
	if t.closed {
		return ErrClosed
	}
	if t.conn == nil {
		return ErrNotConnected
	}

	now := t.clk.NowMS()
	t.transmitDue(now)

	deadline := time.Now().Add(timeout)
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return wrapIO("set-read-deadline", err)
	}

	for {
		n, addr, err := t.conn.ReadFromUDP(t.readBuf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return wrapIO("read", err)
		}
		if !t.connected {
			// No handshake means no prior knowledge of a peer's address
			// (spec.md Non-goal). A bound-but-unconnected transport learns
			// its peer from the source address of the first datagram it
			// ever receives, the same way a plain UDP server would.
			t.remoteAddr = addr
			t.connected = true
			t.logger.Info("learned peer from first datagram", zap.String("remote_addr", addr.String()))
		} else if addr != nil && !udpAddrEqual(addr, t.remoteAddr) {
			continue // datagram from someone other than our peer; ignore
		}

		p, err := t.codec.Decode(t.readBuf[:n])
		if err != nil {
			continue // malformed: codec already counted it, silent drop (spec.md §7)
		}
		t.route(p, t.clk.NowMS())
	}

	return nil
}

func (t *Transport) transmitDue(now uint32) {
	for _, out := range t.sender.PendingTransmit(now) {
		t.sendDataPacket(wire.ChannelReliable, out.SeqNo, out.Timestamp, out.Payload, false)
	}
	for _, out := range t.unrel.Drain() {
		t.unrelNextSeq++
		t.sendDataPacket(wire.ChannelUnreliable, t.unrelNextSeq, now, out.Payload, false)
	}
}

func (t *Transport) route(p *wire.Packet, now uint32) {
	if p.Channel == wire.ChannelUnreliable {
		if !p.IsFeedback() {
			t.unrel.OnData(p.Payload)
		}
		return
	}

	switch p.Type {
	case wire.TypeACK:
		t.sender.HandleACK(p.AckNo, now)
		t.sender.SetPeerWindow(uint32(p.RecvWindow))
	case wire.TypeSACK:
		repaired := t.sender.HandleSACK(p.AckNo, p.SACKBlocks, now)
		t.sender.SetPeerWindow(uint32(p.RecvWindow))
		for _, out := range repaired {
			t.sendDataPacket(wire.ChannelReliable, out.SeqNo, out.Timestamp, out.Payload, true)
		}
	default: // DATA
		if p.Parity && t.fecDec != nil {
			t.handleParityShard(p)
			return
		}
		if t.fecDec != nil {
			t.feedDecoderObserved(p.SeqNo, p.Payload)
		}
		t.receiver.OnData(p.SeqNo, p.Payload)
		t.emitFeedback()
	}
}

func (t *Transport) emitFeedback() {
	fb := t.receiver.GenerateFeedback(t.cfg.SACKEnabled)
	p := &wire.Packet{
		Channel:       wire.ChannelReliable,
		Timestamp:     t.clk.NowMS(),
		AckNo:         fb.AckNo,
		RecvWindow:    uint16(t.receiver.AdvertisedWindow()),
		EchoTimestamp: t.clk.NowMS(),
	}
	if len(fb.SACKBlocks) > 0 {
		p.Type = wire.TypeSACK
		p.SACKBlocks = fb.SACKBlocks
	} else {
		p.Type = wire.TypeACK
	}
	t.writePacket(p)
}

func (t *Transport) sendDataPacket(channel wire.ChannelType, seqNo uint32, timestamp uint32, payload []byte, parity bool) {
	p := &wire.Packet{
		Type:      wire.TypeData,
		Channel:   channel,
		SeqNo:     seqNo,
		Timestamp: timestamp,
		Payload:   payload,
		Parity:    parity,
	}
	t.writePacket(p)
}

func (t *Transport) writePacket(p *wire.Packet) {
	if t.remoteAddr == nil {
		return // not connected yet; nothing to send to
	}
	n, err := t.codec.Encode(t.writeBuf, p)
	if err != nil {
		t.logger.Warn("encode failed, dropping outbound packet", zap.Error(err))
		return
	}
	// A socket from DialUDP (Connect created it directly) is pre-connected
	// and rejects WriteToUDP, so it takes a bare Write; a socket from
	// ListenUDP (Bind, then Connect just recorded the peer) needs the
	// explicit destination.
	if t.conn.RemoteAddr() != nil {
		_, err = t.conn.Write(t.writeBuf[:n])
	} else {
		_, err = t.conn.WriteToUDP(t.writeBuf[:n], t.remoteAddr)
	}
	if err != nil {
		t.logger.Warn("write failed", zap.Error(err))
	}
}

// Drain repeatedly polls with a bounded slice until the reliable sender's
// in-flight window empties or cfg.DrainTimeout elapses (spec.md §5, §6
// drain()).
func (t *Transport) Drain() error {
	if t.closed {
		return ErrClosed
	}
	deadline := time.Now().Add(t.cfg.DrainTimeout)
	for !t.sender.Drained() {
		if time.Now().After(deadline) {
			return ErrDrainTimeout
		}
		if err := t.Poll(DefaultDrainSlice); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the socket. Any subsequent Send/Recv/Poll/Drain fails with
// ErrClosed. In-flight reliable segments are dropped without notifying the
// peer, who will observe a timeout (spec.md §5 "Cancellation").
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn != nil {
		return wrapIO("close", t.conn.Close())
	}
	return nil
}

// Stats aggregates every channel's counters for external reporting
// (internal/metricsx, the CLI drivers) — never consulted by the core
// itself.
type Stats struct {
	Sender     sender.Stats
	Receiver   receiver.Stats
	Unreliable unreliable.Stats
	Malformed  uint64
	RTO        time.Duration
}

// Stats returns a snapshot of every channel's counters.
func (t *Transport) Stats() Stats {
	return Stats{
		Sender:     t.sender.Stats(),
		Receiver:   t.receiver.Stats(),
		Unreliable: t.unrel.Stats(),
		Malformed:  t.codec.Malformed(),
		RTO:        t.sender.RTO(),
	}
}

// LocalAddr returns the bound local address, or "" if Bind/Connect has not
// been called yet.
func (t *Transport) LocalAddr() string {
	if t.localAddr == nil {
		return ""
	}
	return t.localAddr.String()
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

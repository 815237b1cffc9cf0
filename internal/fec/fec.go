// Package fec implements optional Forward Error Correction for the reliable
// channel using Reed-Solomon erasure coding. This is a supplemented feature
// (SPEC_FULL.md §D): spec.md's wire format has no room for a new header
// field, so parity packets are marked by setting the reserved high bit of
// the packet-type byte (wire.Packet.Parity) rather than growing the 14-byte
// base header. FEC is grounded on the teacher's
// internal/quantum/fec/fec.go, adapted from a mutex-guarded design to the
// cooperative, single-threaded model the rest of duct uses: there is no
// locking here, because every call happens synchronously from the
// transport facade's poll loop.
//
// Unlike the teacher, every data shard fed through Reed-Solomon here is
// wrapped with a 2-byte length prefix before padding. The teacher pads all
// shards in a group to the group's longest shard and never records how long
// each one originally was, so a data shard recovered via reconstruction
// (rather than one that arrived on the wire intact) comes back as the full
// padded width, trailing zero bytes and all. Carrying each shard's true
// length through the erasure code itself means a reconstructed shard is
// exactly as long as the one that was lost, recovered or not.
package fec

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/klauspost/reedsolomon"
)

const (
	// DefaultDataShards is the default number of data shards per FEC group.
	DefaultDataShards = 10

	// DefaultParityShards is the default number of parity shards per group.
	DefaultParityShards = 3

	// shardLengthPrefixSize is the width of the length header prepended to
	// a data shard before it is padded and handed to Reed-Solomon. It never
	// appears on the wire: ordinary (unlost) data segments are transmitted
	// at their natural length by the reliable sender, untouched by this
	// package; only the RS math ever sees the prefixed, padded form.
	shardLengthPrefixSize = 2
)

// Config configures an Encoder/Decoder pair. Both sides of a connection
// must agree on these values out of band (spec.md has no negotiation
// phase — Non-goal: no handshake).
type Config struct {
	DataShards   int
	ParityShards int
}

// DefaultConfig returns the default data/parity shard split.
func DefaultConfig() *Config {
	return &Config{DataShards: DefaultDataShards, ParityShards: DefaultParityShards}
}

// EncodingGroup is one batch of segments being encoded together. DataShards
// holds each segment's original, unpadded bytes — only the parity shards
// ever go through the length-prefixed-and-padded representation.
type EncodingGroup struct {
	GroupID      uint64
	DataShards   [][]byte
	ParityShards [][]byte
	count        int
	complete     bool
}

// Encoder batches outgoing reliable payloads into fixed-size groups and
// produces parity shards once a group fills (spec.md §4.3 segmentation
// feeds this; the transport facade decides whether FEC is enabled at all).
type Encoder struct {
	dataShards   int
	parityShards int
	rs           reedsolomon.Encoder

	current *EncodingGroup
	groupID uint64
}

// NewEncoder returns an Encoder for the given shard split, or
// DefaultConfig() if cfg is nil.
func NewEncoder(cfg *Config) (*Encoder, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	rs, err := reedsolomon.New(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: new reed-solomon encoder: %w", err)
	}
	return &Encoder{
		dataShards:   cfg.DataShards,
		parityShards: cfg.ParityShards,
		rs:           rs,
		groupID:      1,
	}, nil
}

// AddData adds one payload to the current encoding group. It returns a
// non-zero groupID and the group's parity shards once the group fills;
// otherwise it returns (0, nil, nil) and the caller should keep going.
func (e *Encoder) AddData(data []byte) (groupID uint64, parity [][]byte, err error) {
	if e.current == nil || e.current.complete {
		e.current = &EncodingGroup{
			GroupID:    e.groupID,
			DataShards: make([][]byte, e.dataShards),
		}
		e.groupID++
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	e.current.DataShards[e.current.count] = cp
	e.current.count++

	if e.current.count < e.dataShards {
		return 0, nil, nil
	}
	if err := e.encodeGroup(e.current); err != nil {
		return 0, nil, fmt.Errorf("fec: encode group %d: %w", e.current.GroupID, err)
	}
	e.current.complete = true
	return e.current.GroupID, e.current.ParityShards, nil
}

// encodeGroup computes parity shards for a full group. Each data shard is
// wrapped in its own length-prefixed, zero-padded slot purely for the RS
// pass; g.DataShards itself is left at its original, unpadded lengths,
// since AddData never hands those back to the caller — only the parity
// shards (which are naturally uniform width) leave this function.
func (e *Encoder) encodeGroup(g *EncodingGroup) error {
	maxLen := 0
	for _, shard := range g.DataShards {
		if len(shard) > maxLen {
			maxLen = len(shard)
		}
	}
	shardLen := maxLen + shardLengthPrefixSize

	all := make([][]byte, e.dataShards+e.parityShards)
	for i, shard := range g.DataShards {
		all[i] = packShard(shard, shardLen)
	}
	for i := e.dataShards; i < len(all); i++ {
		all[i] = make([]byte, shardLen)
	}

	if err := e.rs.Encode(all); err != nil {
		return fmt.Errorf("reed-solomon encode: %w", err)
	}
	g.ParityShards = all[e.dataShards:]
	return nil
}

// packShard prepends shard's true length to it and pads the result out to
// width bytes.
func packShard(shard []byte, width int) []byte {
	slot := make([]byte, width)
	binary.BigEndian.PutUint16(slot[:shardLengthPrefixSize], uint16(len(shard)))
	copy(slot[shardLengthPrefixSize:], shard)
	return slot
}

// unpackShard reverses packShard: it reads the length prefix and returns
// exactly that many bytes of payload.
func unpackShard(slot []byte) ([]byte, error) {
	if len(slot) < shardLengthPrefixSize {
		return nil, fmt.Errorf("fec: shard shorter than its length prefix")
	}
	n := int(binary.BigEndian.Uint16(slot[:shardLengthPrefixSize]))
	if shardLengthPrefixSize+n > len(slot) {
		return nil, fmt.Errorf("fec: shard reports length %d exceeding its own width %d", n, len(slot)-shardLengthPrefixSize)
	}
	out := make([]byte, n)
	copy(out, slot[shardLengthPrefixSize:shardLengthPrefixSize+n])
	return out, nil
}

// Reset discards any in-progress (incomplete) group, e.g. on Close.
func (e *Encoder) Reset() {
	e.current = nil
}

// DecodingGroup is one batch of shards being reassembled on the receive
// side. DataShards holds each shard's true (unpadded) bytes, whether it
// arrived directly or was recovered from parity; shardLen is the common RS
// shard width, learned the first time a parity shard is observed (parity
// shards are always transmitted at their full, padded width).
type DecodingGroup struct {
	GroupID      uint64
	DataShards   [][]byte
	ParityShards [][]byte
	received     []bool
	receivedN    int
	shardLen     int
	complete     bool
}

func (g *DecodingGroup) countReceivedData() int {
	n := 0
	for i := range g.DataShards {
		if g.received[i] {
			n++
		}
	}
	return n
}

// Decoder reassembles groups from received data/parity shards, recovering
// missing data shards once enough of either kind have arrived.
type Decoder struct {
	dataShards   int
	parityShards int
	rs           reedsolomon.Encoder

	groups map[uint64]*DecodingGroup

	totalRecovered uint64
	failedRecovery uint64
}

// NewDecoder returns a Decoder for the given shard split, or
// DefaultConfig() if cfg is nil.
func NewDecoder(cfg *Config) (*Decoder, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	rs, err := reedsolomon.New(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: new reed-solomon decoder: %w", err)
	}
	return &Decoder{
		dataShards:   cfg.DataShards,
		parityShards: cfg.ParityShards,
		rs:           rs,
		groups:       make(map[uint64]*DecodingGroup),
	}, nil
}

// AddShard adds one received shard (data or parity) to its group. It
// returns the group's recovered data shards, each at its true original
// length, once enough shards have arrived to reconstruct it (>= dataShards
// total, of either kind); otherwise (nil, nil).
func (d *Decoder) AddShard(groupID uint64, shardIndex int, data []byte, isParity bool) ([][]byte, error) {
	group, ok := d.groups[groupID]
	if !ok {
		group = &DecodingGroup{
			GroupID:      groupID,
			DataShards:   make([][]byte, d.dataShards),
			ParityShards: make([][]byte, d.parityShards),
			received:     make([]bool, d.dataShards+d.parityShards),
		}
		d.groups[groupID] = group
	}
	if group.complete {
		return nil, nil
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	var mask int
	if isParity {
		if shardIndex < 0 || shardIndex >= d.parityShards {
			return nil, fmt.Errorf("fec: invalid parity shard index %d", shardIndex)
		}
		group.ParityShards[shardIndex] = cp
		if group.shardLen == 0 {
			group.shardLen = len(cp)
		}
		mask = d.dataShards + shardIndex
	} else {
		if shardIndex < 0 || shardIndex >= d.dataShards {
			return nil, fmt.Errorf("fec: invalid data shard index %d", shardIndex)
		}
		group.DataShards[shardIndex] = cp
		mask = shardIndex
	}
	if !group.received[mask] {
		group.received[mask] = true
		group.receivedN++
	}

	if group.receivedN < d.dataShards {
		return nil, nil
	}
	if err := d.reconstruct(group); err != nil {
		d.failedRecovery++
		return nil, fmt.Errorf("fec: reconstruct group %d: %w", groupID, err)
	}
	group.complete = true
	d.totalRecovered += uint64(d.dataShards - group.countReceivedData())
	return group.DataShards, nil
}

// reconstruct fills in any missing data shards of g using Reed-Solomon,
// then unwraps each recovered shard back to its true original length. If
// no data shard is missing, it is a no-op: the group's DataShards already
// hold exactly the bytes that arrived.
func (d *Decoder) reconstruct(g *DecodingGroup) error {
	missing := false
	for i := 0; i < d.dataShards; i++ {
		if g.DataShards[i] == nil {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}
	if g.shardLen == 0 {
		return fmt.Errorf("missing data shard(s) but no parity shard observed to learn shard width")
	}

	all := make([][]byte, d.dataShards+d.parityShards)
	for i := 0; i < d.dataShards; i++ {
		if g.DataShards[i] != nil {
			all[i] = packShard(g.DataShards[i], g.shardLen)
		}
	}
	copy(all[d.dataShards:], g.ParityShards)

	if err := d.rs.Reconstruct(all); err != nil {
		return fmt.Errorf("reed-solomon reconstruct: %w", err)
	}
	ok, err := d.rs.Verify(all)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if !ok {
		return fmt.Errorf("reconstruction did not verify")
	}
	for i := 0; i < d.dataShards; i++ {
		if g.DataShards[i] != nil {
			continue
		}
		recovered, err := unpackShard(all[i])
		if err != nil {
			return fmt.Errorf("recovered shard %d: %w", i, err)
		}
		g.DataShards[i] = recovered
	}
	return nil
}

// CleanupOldGroups drops all but the keepLatest highest-numbered groups,
// so a connection that enables FEC and runs indefinitely doesn't
// leak a DecodingGroup per lost group forever.
func (d *Decoder) CleanupOldGroups(keepLatest int) {
	if len(d.groups) <= keepLatest {
		return
	}
	ids := make([]uint64, 0, len(d.groups))
	for id := range d.groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids[:len(ids)-keepLatest] {
		delete(d.groups, id)
	}
}

// Stats returns decoder recovery counters for external reporting.
func (d *Decoder) Stats() (totalRecovered, failedRecovery uint64, activeGroups int) {
	return d.totalRecovered, d.failedRecovery, len(d.groups)
}

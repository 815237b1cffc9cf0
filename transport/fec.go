package duct

import (
	"go.uber.org/zap"

	"github.com/aetherflow/duct/internal/wire"
)

// FEC group/shard addressing. spec.md's wire format has no field for a
// group id or shard index (adding one would grow the 14-byte base header),
// so parity shards borrow the existing seq_no field: a data shard's own
// seq_no already determines its group and position (groupID =
// (seq_no-1)/dataShards + 1, shardIndex = (seq_no-1) % dataShards), and a
// parity shard is assigned a seq_no in a disjoint range offset by
// parityGroupStride per group. The product groupID*parityGroupStride is
// computed in 32 bits, so parity addressing is unambiguous only up to group
// 4294 (4294*DataShards reliable segments); past that the parity seq_no
// wraps and parityShardAddr no longer recovers the right group. Acceptable
// for the supplemented, off-by-default feature this is (SPEC_FULL.md §D).
const parityGroupStride = 1_000_000

func parityShardSeq(groupID uint64, shardIndex int) uint32 {
	return uint32(groupID)*parityGroupStride + uint32(shardIndex)
}

func parityShardAddr(seqNo uint32) (groupID uint64, shardIndex int) {
	return uint64(seqNo / parityGroupStride), int(seqNo % parityGroupStride)
}

// feedEncoder hands one outgoing reliable payload to the FEC encoder and,
// once a group fills, transmits its parity shards immediately.
func (t *Transport) feedEncoder(seqNo uint32, payload []byte) {
	groupID, parity, err := t.fecEnc.AddData(payload)
	if err != nil {
		t.logger.Warn("fec: encode failed", zap.Error(err))
		return
	}
	if parity == nil {
		return
	}
	for i, shard := range parity {
		t.sendDataPacket(wire.ChannelReliable, parityShardSeq(groupID, i), t.clk.NowMS(), shard, true)
	}
}

// feedDecoderObserved records an ordinarily-arrived data shard against its
// FEC group so the decoder can still reconstruct siblings that were lost,
// without altering the normal delivery path for this shard.
func (t *Transport) feedDecoderObserved(seqNo uint32, payload []byte) {
	groupID := uint64((seqNo-1)/uint32(t.fecDataShards)) + 1
	shardIndex := int((seqNo - 1) % uint32(t.fecDataShards))
	if _, err := t.fecDec.AddShard(groupID, shardIndex, payload, false); err != nil {
		t.logger.Warn("fec: observed shard rejected", zap.Error(err))
	}
}

// handleParityShard feeds a received parity packet to the decoder. Once
// enough shards of a group have arrived (data, parity, or both) to
// reconstruct it, every recovered data shard is replayed into the reliable
// receiver as if it had arrived normally — this is how a lost segment gets
// delivered despite never being retransmitted.
func (t *Transport) handleParityShard(p *wire.Packet) {
	groupID, shardIndex := parityShardAddr(p.SeqNo)
	recovered, err := t.fecDec.AddShard(groupID, shardIndex, p.Payload, true)
	if err != nil {
		t.logger.Warn("fec: parity shard rejected", zap.Error(err))
		return
	}
	if recovered == nil {
		return
	}
	for i, shard := range recovered {
		if shard == nil {
			continue
		}
		seqNo := uint32(groupID-1)*uint32(t.fecDataShards) + uint32(i) + 1
		t.receiver.OnData(seqNo, shard)
	}
	t.emitFeedback()
	t.fecDec.CleanupOldGroups(64)
}

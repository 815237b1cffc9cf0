package fec

import "testing"

func TestEncoderProducesParityOnlyWhenGroupFills(t *testing.T) {
	enc, err := NewEncoder(&Config{DataShards: 3, ParityShards: 2})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	for i := 0; i < 2; i++ {
		gid, parity, err := enc.AddData([]byte{byte(i)})
		if err != nil {
			t.Fatalf("AddData: %v", err)
		}
		if gid != 0 || parity != nil {
			t.Fatalf("group should not complete before dataShards payloads, got gid=%d parity=%v", gid, parity)
		}
	}

	gid, parity, err := enc.AddData([]byte{2})
	if err != nil {
		t.Fatalf("AddData: %v", err)
	}
	if gid != 1 {
		t.Fatalf("GroupID = %d, want 1", gid)
	}
	if len(parity) != 2 {
		t.Fatalf("expected 2 parity shards, got %d", len(parity))
	}
}

func TestDecoderReconstructsFromPartialShards(t *testing.T) {
	enc, err := NewEncoder(&Config{DataShards: 3, ParityShards: 2})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	// Deliberately unequal lengths: the lost shard (index 1) is much
	// shorter than its siblings, so a reconstruction that merely returns
	// the group's padded width instead of shard 1's true length would be
	// caught here.
	data := [][]byte{
		{10, 11, 12, 13, 14, 15, 16, 17},
		{20},
		{30, 31, 32},
	}
	var parity [][]byte
	var gid uint64
	for _, d := range data {
		gid, parity, _ = enc.AddData(d)
	}
	if parity == nil {
		t.Fatal("expected the group to complete")
	}

	dec, err := NewDecoder(&Config{DataShards: 3, ParityShards: 2})
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	// Lose data shard 1; deliver shards 0, 2, and parity shard 0, which
	// completes the group, then the second parity shard late.
	if _, err := dec.AddShard(gid, 0, data[0], false); err != nil {
		t.Fatalf("AddShard: %v", err)
	}
	if _, err := dec.AddShard(gid, 2, data[2], false); err != nil {
		t.Fatalf("AddShard: %v", err)
	}
	recovered, err := dec.AddShard(gid, 0, parity[0], true)
	if err != nil {
		t.Fatalf("AddShard (completing): %v", err)
	}
	if _, err := dec.AddShard(gid, 1, parity[1], true); err != nil {
		t.Fatalf("AddShard (late parity): %v", err)
	}
	if recovered == nil {
		t.Fatal("expected reconstruction to complete on the 3rd shard (== dataShards total)")
	}
	if len(recovered[1]) != len(data[1]) {
		t.Fatalf("recovered data shard 1 length = %d, want %d (no padding should leak through)", len(recovered[1]), len(data[1]))
	}
	for i := range data[1] {
		if recovered[1][i] != data[1][i] {
			t.Fatalf("recovered data shard 1 = %v, want %v", recovered[1], data[1])
		}
	}
}

func TestDecoderCompletesWithoutParityWhenNothingIsLost(t *testing.T) {
	enc, err := NewEncoder(&Config{DataShards: 2, ParityShards: 1})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	data := [][]byte{{1, 2, 3}, {4}}
	var gid uint64
	for _, d := range data {
		gid, _, _ = enc.AddData(d)
	}

	dec, err := NewDecoder(&Config{DataShards: 2, ParityShards: 1})
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	if _, err := dec.AddShard(gid, 0, data[0], false); err != nil {
		t.Fatalf("AddShard: %v", err)
	}
	recovered, err := dec.AddShard(gid, 1, data[1], false)
	if err != nil {
		t.Fatalf("AddShard: %v", err)
	}
	if recovered == nil {
		t.Fatal("expected the group to complete once all data shards arrived, with no parity needed")
	}
	if len(recovered[1]) != 1 || recovered[1][0] != 4 {
		t.Fatalf("recovered data shard 1 = %v, want [4]", recovered[1])
	}
}

func TestCleanupOldGroupsBoundsMemory(t *testing.T) {
	dec, err := NewDecoder(&Config{DataShards: 2, ParityShards: 1})
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	for gid := uint64(1); gid <= 5; gid++ {
		if _, err := dec.AddShard(gid, 0, []byte{1}, false); err != nil {
			t.Fatalf("AddShard: %v", err)
		}
	}
	dec.CleanupOldGroups(2)
	if _, _, active := dec.Stats(); active != 2 {
		t.Fatalf("active groups after cleanup = %d, want 2", active)
	}
}

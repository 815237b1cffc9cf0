package receiver

import (
	"bytes"
	"testing"

	"github.com/aetherflow/duct/internal/wire"
)

func TestInOrderDeliveryIsImmediate(t *testing.T) {
	r := New(16)
	r.OnData(1, []byte("hel"))
	r.OnData(2, []byte("lo"))

	got := r.Read(100)
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("Read = %q, want %q", got, "hello")
	}
	if r.RcvBase() != 3 {
		t.Fatalf("RcvBase = %d, want 3", r.RcvBase())
	}
}

func TestOutOfOrderBuffersThenFlushesOnGapFill(t *testing.T) {
	r := New(16)
	r.OnData(2, []byte("B"))
	r.OnData(3, []byte("C"))
	if got := r.Read(100); len(got) != 0 {
		t.Fatalf("expected nothing deliverable before seq 1 arrives, got %q", got)
	}
	if r.BufferedCount() != 2 {
		t.Fatalf("BufferedCount = %d, want 2", r.BufferedCount())
	}

	r.OnData(1, []byte("A"))
	got := r.Read(100)
	if !bytes.Equal(got, []byte("ABC")) {
		t.Fatalf("Read = %q, want %q", got, "ABC")
	}
	if r.BufferedCount() != 0 {
		t.Fatalf("reorder buffer should be drained, BufferedCount = %d", r.BufferedCount())
	}
}

func TestDuplicateBelowFrontierDiscarded(t *testing.T) {
	r := New(16)
	r.OnData(1, []byte("A"))
	r.Read(100)

	r.OnData(1, []byte("A-again"))
	if got := r.Read(100); len(got) != 0 {
		t.Fatalf("duplicate below rcv_base must not be delivered, got %q", got)
	}
	if r.Stats().Duplicates != 1 {
		t.Fatalf("Duplicates = %d, want 1", r.Stats().Duplicates)
	}
}

func TestDuplicateWithinReorderBufferDiscarded(t *testing.T) {
	r := New(16)
	r.OnData(2, []byte("first"))
	r.OnData(2, []byte("second"))
	if r.BufferedCount() != 1 {
		t.Fatalf("BufferedCount = %d, want 1 (second copy must not replace the first)", r.BufferedCount())
	}
	if r.Stats().Duplicates != 1 {
		t.Fatalf("Duplicates = %d, want 1", r.Stats().Duplicates)
	}
}

func TestOutsideWindowDropped(t *testing.T) {
	r := New(4)
	r.OnData(100, []byte("far away"))
	if r.BufferedCount() != 0 {
		t.Fatalf("out-of-window segment must be dropped, BufferedCount = %d", r.BufferedCount())
	}
	if r.Stats().Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", r.Stats().Dropped)
	}
}

func TestAdvertisedWindowShrinksWithOccupancy(t *testing.T) {
	r := New(4)
	if r.AdvertisedWindow() != 4 {
		t.Fatalf("AdvertisedWindow = %d, want 4", r.AdvertisedWindow())
	}
	r.OnData(2, []byte("x"))
	r.OnData(3, []byte("y"))
	if r.AdvertisedWindow() != 2 {
		t.Fatalf("AdvertisedWindow = %d, want 2", r.AdvertisedWindow())
	}
}

func TestFeedbackIsPlainACKWhenSACKDisabledOrNoGaps(t *testing.T) {
	r := New(16)
	r.OnData(1, []byte("x"))

	fb := r.GenerateFeedback(true)
	if fb.AckNo != 2 || fb.SACKBlocks != nil {
		t.Fatalf("no-gap feedback should be a plain ACK, got %+v", fb)
	}

	r2 := New(16)
	r2.OnData(2, []byte("y")) // gap at 1, but SACK disabled
	fb2 := r2.GenerateFeedback(false)
	if fb2.AckNo != 1 || fb2.SACKBlocks != nil {
		t.Fatalf("SACK-disabled feedback should be a plain ACK, got %+v", fb2)
	}
}

func TestFeedbackReportsSortedNonOverlappingBlocks(t *testing.T) {
	r := New(32)
	r.OnData(5, []byte("e"))
	r.OnData(6, []byte("f"))
	r.OnData(3, []byte("c"))

	fb := r.GenerateFeedback(true)
	if fb.AckNo != 1 {
		t.Fatalf("AckNo = %d, want 1 (rcv_base untouched by gaps)", fb.AckNo)
	}
	want := []wire.SACKRange{{Start: 3, End: 3}, {Start: 5, End: 6}}
	if len(fb.SACKBlocks) != len(want) {
		t.Fatalf("SACKBlocks = %+v, want %+v", fb.SACKBlocks, want)
	}
	for i, b := range want {
		if fb.SACKBlocks[i] != b {
			t.Fatalf("SACKBlocks[%d] = %+v, want %+v", i, fb.SACKBlocks[i], b)
		}
	}
}

func TestFeedbackCapsBlocksAtSACKMaxPreferringRecency(t *testing.T) {
	r := New(64)
	r.SetSACKMax(2)

	// Three isolated single-seq ranges, each separated by a gap so they never
	// merge: 3, 6, 9. Touch order is 3, 6, 9 (9 most recent).
	r.OnData(3, []byte("c"))
	r.OnData(6, []byte("f"))
	r.OnData(9, []byte("i"))

	fb := r.GenerateFeedback(true)
	if len(fb.SACKBlocks) != 2 {
		t.Fatalf("expected exactly SACKMax=2 blocks, got %+v", fb.SACKBlocks)
	}
	// Most recently touched (9, then 6) should win over the oldest (3), and
	// the result must still be emitted in ascending order.
	want := []wire.SACKRange{{Start: 6, End: 6}, {Start: 9, End: 9}}
	for i, b := range want {
		if fb.SACKBlocks[i] != b {
			t.Fatalf("SACKBlocks = %+v, want %+v", fb.SACKBlocks, want)
		}
	}
}

func TestReadPartialThenDrainsRemainder(t *testing.T) {
	r := New(16)
	r.OnData(1, []byte("hello world"))

	first := r.Read(5)
	if !bytes.Equal(first, []byte("hello")) {
		t.Fatalf("first Read = %q, want %q", first, "hello")
	}
	rest := r.Read(100)
	if !bytes.Equal(rest, []byte(" world")) {
		t.Fatalf("second Read = %q, want %q", rest, " world")
	}
}

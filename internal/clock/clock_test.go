package clock

import (
	"testing"
	"time"
)

func TestFirstSampleFormula(t *testing.T) {
	e := NewEstimator()
	e.Sample(100 * time.Millisecond)

	if e.SRTT() != 100*time.Millisecond {
		t.Fatalf("srtt = %v, want 100ms", e.SRTT())
	}
	wantRTO := clamp(e.SRTT()+maxDuration(Granularity, 4*(e.SRTT()/2)), MinRTO, MaxRTO)
	if e.RTO() != wantRTO {
		t.Fatalf("rto = %v, want %v", e.RTO(), wantRTO)
	}
}

func TestRTOAlwaysClamped(t *testing.T) {
	e := NewEstimator()
	samples := []time.Duration{
		time.Nanosecond, 5 * time.Second, time.Nanosecond, 90 * time.Second, 2 * time.Nanosecond, time.Nanosecond,
	}
	for _, s := range samples {
		e.Sample(s)
		if e.RTO() < MinRTO || e.RTO() > MaxRTO {
			t.Fatalf("rto %v escaped [%v, %v]", e.RTO(), MinRTO, MaxRTO)
		}
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	to := MinRTO
	for i := 0; i < 20; i++ {
		to = BackedOff(to)
		if to > MaxBackoff {
			t.Fatalf("backoff exceeded cap: %v", to)
		}
	}
	if to != MaxBackoff {
		t.Fatalf("expected backoff to saturate at MaxBackoff, got %v", to)
	}
}

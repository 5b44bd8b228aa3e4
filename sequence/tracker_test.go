package sequence

import (
	"testing"
	"time"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestFirstObservationIsNeverAGap(t *testing.T) {
	tr := NewTracker()
	if gap := tr.Observe("BTC-USD-trades", 500, now); gap != nil {
		t.Fatalf("first observation flagged a gap: %+v", gap)
	}
	if last, ok := tr.LastSeen("BTC-USD-trades"); !ok || last != 500 {
		t.Errorf("lastSeen = %d, %v; want 500, true", last, ok)
	}
}

func TestContiguousSequenceNoGap(t *testing.T) {
	tr := NewTracker()
	for seq := uint64(1); seq <= 5; seq++ {
		if gap := tr.Observe("BTC-USD-trades", seq, now); gap != nil {
			t.Fatalf("contiguous seq %d flagged a gap: %+v", seq, gap)
		}
	}
}

func TestGapDetection(t *testing.T) {
	tr := NewTracker()
	tr.Observe("BTC-USD-trades", 1, now)
	tr.Observe("BTC-USD-trades", 2, now)

	gap := tr.Observe("BTC-USD-trades", 7, now)
	if gap == nil {
		t.Fatal("jump from 2 to 7 must flag a gap")
	}
	if gap.ExpectedFrom != 3 || gap.ExpectedTo != 6 || gap.Observed != 7 {
		t.Errorf("gap = %+v, want [3,6] observed 7", gap)
	}
	if gap.ChannelID != "BTC-USD-trades" {
		t.Errorf("gap channel = %s", gap.ChannelID)
	}
	if !gap.ObservedAt.Equal(now) {
		t.Errorf("gap time = %v", gap.ObservedAt)
	}
}

func TestDuplicateAndOutOfOrderAreSilent(t *testing.T) {
	tr := NewTracker()
	tr.Observe("BTC-USD-trades", 10, now)

	if gap := tr.Observe("BTC-USD-trades", 10, now); gap != nil {
		t.Errorf("duplicate flagged a gap: %+v", gap)
	}
	if gap := tr.Observe("BTC-USD-trades", 4, now); gap != nil {
		t.Errorf("out-of-order flagged a gap: %+v", gap)
	}
	if last, _ := tr.LastSeen("BTC-USD-trades"); last != 10 {
		t.Errorf("high-water mark regressed to %d", last)
	}

	// The next contiguous number after the mark is still gap-free.
	if gap := tr.Observe("BTC-USD-trades", 11, now); gap != nil {
		t.Errorf("seq 11 after mark 10 flagged a gap: %+v", gap)
	}
}

func TestGapReportedOncePerRange(t *testing.T) {
	tr := NewTracker()
	tr.Observe("BTC-USD-trades", 1, now)

	first := tr.Observe("BTC-USD-trades", 5, now)
	if first == nil {
		t.Fatal("expected gap for jump 1 -> 5")
	}
	// Late arrivals from inside the reported range change nothing.
	if gap := tr.Observe("BTC-USD-trades", 3, now); gap != nil {
		t.Errorf("late in-range arrival flagged another gap: %+v", gap)
	}
	if gap := tr.Observe("BTC-USD-trades", 6, now); gap != nil {
		t.Errorf("contiguous follow-up flagged a gap: %+v", gap)
	}
}

func TestChannelsTrackIndependently(t *testing.T) {
	tr := NewTracker()
	tr.Observe("BTC-USD-trades", 100, now)
	tr.Observe("ETH-USD-trades", 7, now)

	if gap := tr.Observe("ETH-USD-trades", 8, now); gap != nil {
		t.Errorf("ETH channel affected by BTC state: %+v", gap)
	}
	gap := tr.Observe("BTC-USD-trades", 103, now)
	if gap == nil || gap.ExpectedFrom != 101 || gap.ExpectedTo != 102 {
		t.Errorf("unexpected gap for BTC channel: %+v", gap)
	}
}

func TestResetForgetsPosition(t *testing.T) {
	tr := NewTracker()
	tr.Observe("BTC-USD-trades", 1000, now)
	tr.Observe("ETH-USD-trades", 2000, now)

	tr.ResetChannel("BTC-USD-trades")
	if gap := tr.Observe("BTC-USD-trades", 1, now); gap != nil {
		t.Errorf("first observation after channel reset flagged a gap: %+v", gap)
	}

	tr.ResetAll()
	if gap := tr.Observe("ETH-USD-trades", 1, now); gap != nil {
		t.Errorf("first observation after full reset flagged a gap: %+v", gap)
	}
	if snap := tr.Snapshot(); len(snap) != 1 {
		t.Errorf("snapshot after full reset and one observation = %v", snap)
	}
}

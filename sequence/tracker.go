// Package sequence detects discontinuities in per-channel sequence numbers.
package sequence

import (
	"sync"
	"time"

	"coinflow/models"
)

// Tracker keeps the highest sequence number seen per channel. A fresh
// tracker, or one that has been reset, accepts any first number without
// flagging a gap since the feed resumes from its current position.
type Tracker struct {
	mu       sync.Mutex
	lastSeen map[string]uint64
}

func NewTracker() *Tracker {
	return &Tracker{lastSeen: make(map[string]uint64)}
}

// Observe records a sequence number and returns a GapRecord when numbers
// were skipped. Duplicates and out-of-order arrivals return nil and never
// move the high-water mark backwards, so one missing range is reported
// exactly once no matter how delivery is interleaved.
func (t *Tracker) Observe(channelID string, seq uint64, at time.Time) *models.GapRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, seen := t.lastSeen[channelID]
	if !seen {
		t.lastSeen[channelID] = seq
		return nil
	}
	if seq <= last {
		return nil
	}
	t.lastSeen[channelID] = seq
	if seq == last+1 {
		return nil
	}
	return &models.GapRecord{
		ChannelID:    channelID,
		ExpectedFrom: last + 1,
		ExpectedTo:   seq - 1,
		Observed:     seq,
		ObservedAt:   at,
	}
}

// ResetChannel forgets one channel's position.
func (t *Tracker) ResetChannel(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, channelID)
}

// ResetAll forgets every channel. Called on reconnect: the feed does not
// replay, so the gap between sessions is not attributable to sequence loss.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen = make(map[string]uint64)
}

// LastSeen returns a channel's current high-water mark.
func (t *Tracker) LastSeen(channelID string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq, ok := t.lastSeen[channelID]
	return seq, ok
}

// Snapshot copies the current positions for status reporting.
func (t *Tracker) Snapshot() map[string]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]uint64, len(t.lastSeen))
	for ch, seq := range t.lastSeen {
		out[ch] = seq
	}
	return out
}

package models

import "time"

// GapRecord marks a detected discontinuity in a channel's sequence numbers.
// The missing range is [ExpectedFrom, ExpectedTo] inclusive.
type GapRecord struct {
	ChannelID    string    `json:"channel_id"`
	ExpectedFrom uint64    `json:"expected_from"`
	ExpectedTo   uint64    `json:"expected_to"`
	Observed     uint64    `json:"observed"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Missing returns the number of sequence numbers the gap covers.
func (g GapRecord) Missing() uint64 {
	return g.ExpectedTo - g.ExpectedFrom + 1
}

// Batch is the unit of delivery to storage sinks. Events keep arrival order.
// Gap records ride alongside the events observed after them.
type Batch struct {
	ID        string         `json:"batch_id"`
	Events    []*MarketEvent `json:"events"`
	Gaps      []*GapRecord   `json:"gaps,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Size returns the total record count, events plus gaps.
func (b *Batch) Size() int {
	return len(b.Events) + len(b.Gaps)
}

// Empty reports whether the batch carries nothing to persist.
func (b *Batch) Empty() bool {
	return len(b.Events) == 0 && len(b.Gaps) == 0
}

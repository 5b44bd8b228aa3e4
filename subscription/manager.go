// Package subscription tracks which channels should be live and reconciles
// that against what the feed has acknowledged.
package subscription

import (
	"strings"
	"sync"

	"coinflow/models"
)

// Status is a channel's position in the subscription lifecycle.
type Status string

const (
	// StatusPending: requested (or about to be), not yet acknowledged.
	StatusPending Status = "pending"
	// StatusConfirmed: present in the feed's last subscriptions ack.
	StatusConfirmed Status = "confirmed"
	// StatusFailed: explicitly rejected; retried on the next reconcile.
	StatusFailed Status = "failed"
)

var kindOrder = []models.ChannelKind{models.KindTrade, models.KindTicker, models.KindBook}

// Manager owns the desired channel set and its per-channel status. All
// methods are safe for concurrent use; the supervisor calls them from its
// run loop, status reporting reads them from elsewhere.
type Manager struct {
	mu      sync.Mutex
	names   map[models.ChannelKind]string
	desired []models.Channel
	byID    map[string]models.Channel
	status  map[string]Status
	reasons map[string]string
	// extra holds channels the feed reports as subscribed that nothing
	// here asked for; reconcile issues unsubscribes for them.
	extra map[string]models.Channel
}

// NewManager builds a Manager for a fixed desired set using the configured
// kind to feed-channel-name mapping.
func NewManager(desired []models.Channel, names map[models.ChannelKind]string) *Manager {
	m := &Manager{
		names:   names,
		desired: make([]models.Channel, len(desired)),
		byID:    make(map[string]models.Channel, len(desired)),
		status:  make(map[string]Status, len(desired)),
		reasons: make(map[string]string),
		extra:   make(map[string]models.Channel),
	}
	copy(m.desired, desired)
	for _, ch := range desired {
		m.byID[ch.ID] = ch
		m.status[ch.ID] = StatusPending
	}
	return m
}

// Desired returns the configured channel set in stable order.
func (m *Manager) Desired() []models.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Channel, len(m.desired))
	copy(out, m.desired)
	return out
}

// Reconcile computes the control messages that move the feed's confirmed
// state toward the desired state: subscribes for unconfirmed desired
// channels, then unsubscribes for confirmed channels nobody wants. Calling
// it when the states already agree yields nothing, so running it after
// every ack or reconnect is safe.
func (m *Manager) Reconcile() []models.OutgoingControl {
	m.mu.Lock()
	defer m.mu.Unlock()

	var controls []models.OutgoingControl

	for _, kind := range kindOrder {
		var products []string
		for _, ch := range m.desired {
			if ch.Kind != kind {
				continue
			}
			if m.status[ch.ID] == StatusConfirmed {
				continue
			}
			m.status[ch.ID] = StatusPending
			products = append(products, ch.Symbol)
		}
		if len(products) > 0 {
			controls = append(controls, models.OutgoingControl{
				Action:   models.ActionSubscribe,
				Channel:  m.names[kind],
				Products: products,
			})
		}
	}

	for _, kind := range kindOrder {
		var products []string
		for id, ch := range m.extra {
			if ch.Kind != kind {
				continue
			}
			products = append(products, ch.Symbol)
			delete(m.extra, id)
		}
		if len(products) > 0 {
			controls = append(controls, models.OutgoingControl{
				Action:   models.ActionUnsubscribe,
				Channel:  m.names[kind],
				Products: products,
			})
		}
	}

	return controls
}

// ApplyAck absorbs the feed's authoritative subscription statement and
// returns the channel ids confirmed by it for the first time. Desired
// channels missing from the ack stay pending; unknown ones are remembered
// for unsubscription.
func (m *Manager) ApplyAck(ack *models.SubscriptionsAck) []string {
	if ack == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	kindsByName := make(map[string]models.ChannelKind, len(m.names))
	for kind, name := range m.names {
		kindsByName[name] = kind
	}

	var confirmed []string
	for name, products := range ack.Channels {
		kind, ok := kindsByName[name]
		if !ok {
			// heartbeat and any channels outside the mapping
			continue
		}
		for _, product := range products {
			id := models.ChannelID(product, kind)
			if _, desired := m.byID[id]; desired {
				if m.status[id] != StatusConfirmed {
					confirmed = append(confirmed, id)
				}
				m.status[id] = StatusConfirmed
				delete(m.reasons, id)
			} else {
				m.extra[id] = models.NewChannel(product, kind)
			}
		}
	}
	return confirmed
}

// ApplyError marks pending channels whose symbol the rejection names as
// failed, and returns their ids. The feed rejects with free-form text, so
// symbol match is the only attribution available.
func (m *Manager) ApplyError(fe models.FeedError) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	text := fe.Message + " " + fe.Reason
	var failed []string
	for _, ch := range m.desired {
		if m.status[ch.ID] != StatusPending {
			continue
		}
		if strings.Contains(text, ch.Symbol) {
			m.status[ch.ID] = StatusFailed
			m.reasons[ch.ID] = fe.Reason
			failed = append(failed, ch.ID)
		}
	}
	return failed
}

// Invalidate moves every channel back to pending. Called when the
// transport drops: acknowledgements do not survive the connection.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.status {
		m.status[id] = StatusPending
	}
	m.extra = make(map[string]models.Channel)
}

// ResyncControls builds the unsubscribe/subscribe pair that forces the feed
// to restate one channel, and marks it pending until the next ack.
func (m *Manager) ResyncControls(channelID string) []models.OutgoingControl {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.byID[channelID]
	if !ok {
		return nil
	}
	m.status[channelID] = StatusPending
	name := m.names[ch.Kind]
	return []models.OutgoingControl{
		{Action: models.ActionUnsubscribe, Channel: name, Products: []string{ch.Symbol}},
		{Action: models.ActionSubscribe, Channel: name, Products: []string{ch.Symbol}},
	}
}

// IsConfirmed reports whether a channel is currently acknowledged. Events
// on unconfirmed channels are still ingested, just counted as provisional.
func (m *Manager) IsConfirmed(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[channelID] == StatusConfirmed
}

// Statuses snapshots per-channel status for reporting.
func (m *Manager) Statuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.status))
	for id, st := range m.status {
		out[id] = st
	}
	return out
}

// Counts returns how many channels sit in each status.
func (m *Manager) Counts() (pending, confirmed, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.status {
		switch st {
		case StatusPending:
			pending++
		case StatusConfirmed:
			confirmed++
		case StatusFailed:
			failed++
		}
	}
	return
}

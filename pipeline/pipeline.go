// Package pipeline batches decoded events and delivers them to the
// configured sinks with at-least-once semantics.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"coinflow/config"
	"coinflow/internal/buffer"
	"coinflow/internal/metrics"
	"coinflow/logger"
	"coinflow/models"
	"coinflow/sink"
)

// Resyncer is notified after a gap record has been handed to storage so the
// feed can request a fresh baseline for the affected channel.
type Resyncer interface {
	RequestResync(channelID string)
}

// Pipeline drains the bounded queue, cuts batches by size or age, and
// pushes them to the sink. Failed batches are retried with backoff and
// spilled to the overflow log when the sink stays down, so an unreachable
// backend never discards data.
type Pipeline struct {
	config   *config.Config
	sink     sink.Sink
	queue    *buffer.Queue
	overflow *Overflow
	resyncer Resyncer
	log      *logger.Log

	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	flushReq chan chan error

	delivered atomic.Uint64
	records   atomic.Uint64
	retries   atomic.Uint64
	spilled   atomic.Uint64
}

// Stats is a point-in-time view of pipeline throughput for the ops surface.
type Stats struct {
	BatchesDelivered uint64 `json:"batches_delivered"`
	EventsDelivered  uint64 `json:"events_delivered"`
	Retries          uint64 `json:"retries"`
	SpilledBatches   uint64 `json:"spilled_batches"`
	QueueDepth       int    `json:"queue_depth"`
	QueueCapacity    int    `json:"queue_capacity"`
	DroppedEvents    uint64 `json:"dropped_events"`
}

// NewPipeline builds the pipeline and its queue from configuration. The
// buffer policy string is validated by config loading.
func NewPipeline(cfg *config.Config, target sink.Sink) *Pipeline {
	policy, err := buffer.ParsePolicy(cfg.Pipeline.BufferPolicy)
	if err != nil {
		policy = buffer.PolicyBlock
	}
	return &Pipeline{
		config:   cfg,
		sink:     target,
		queue:    buffer.NewQueue(cfg.Pipeline.BufferSize, policy),
		overflow: NewOverflow(cfg.Pipeline.OverflowPath),
		log:      logger.GetLogger(),
		stopCh:   make(chan struct{}),
		flushReq: make(chan chan error),
	}
}

// SetResyncer wires the feed supervisor in after construction; the two
// components reference each other.
func (p *Pipeline) SetResyncer(r Resyncer) {
	p.resyncer = r
}

// Start launches the drain loop.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("pipeline is already running")
	}
	p.running = true

	p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"sink":         p.sink.Name(),
		"batch_size":   p.config.Pipeline.BatchSize,
		"batch_window": p.config.Pipeline.BatchWindow.String(),
		"buffer_size":  p.config.Pipeline.BufferSize,
		"policy":       p.config.Pipeline.BufferPolicy,
	}).Info("starting ingestion pipeline")

	p.wg.Add(1)
	go p.run()

	return nil
}

// Stop drains what is buffered, delivers the final batch and shuts the
// queue. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("pipeline").Info("stopping ingestion pipeline")
	close(p.stopCh)
	p.wg.Wait()
	p.queue.Close()

	p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"batches_delivered": p.delivered.Load(),
		"events_delivered":  p.records.Load(),
		"spilled_batches":   p.spilled.Load(),
	}).Info("ingestion pipeline stopped")
}

// Submit queues one event. Under the blocking policy this applies
// backpressure to the caller; under drop_oldest it returns immediately.
func (p *Pipeline) Submit(ctx context.Context, event *models.MarketEvent) error {
	return p.queue.Put(ctx, buffer.Item{Event: event})
}

// SubmitGap queues a gap record. Gaps ride along with event batches and are
// persisted by the sink like any other record.
func (p *Pipeline) SubmitGap(ctx context.Context, gap *models.GapRecord) error {
	return p.queue.Put(ctx, buffer.Item{Gap: gap})
}

// Flush forces everything buffered so far out to the sink and waits for the
// delivery to finish.
func (p *Pipeline) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case p.flushReq <- reply:
	case <-p.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats snapshots delivery counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		BatchesDelivered: p.delivered.Load(),
		EventsDelivered:  p.records.Load(),
		Retries:          p.retries.Load(),
		SpilledBatches:   p.spilled.Load(),
		QueueDepth:       p.queue.Len(),
		QueueCapacity:    p.queue.Cap(),
		DroppedEvents:    p.queue.Dropped(),
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	p.replayOverflow()

	ticker := time.NewTicker(p.config.Pipeline.BatchWindow)
	defer ticker.Stop()

	var events []*models.MarketEvent
	var gaps []*models.GapRecord

	flush := func(reason string) error {
		if len(events) == 0 && len(gaps) == 0 {
			return nil
		}
		batch := &models.Batch{
			ID:        uuid.NewString(),
			Events:    events,
			Gaps:      gaps,
			CreatedAt: time.Now().UTC(),
		}
		events = nil
		gaps = nil
		return p.deliver(batch, reason)
	}

	for {
		select {
		case <-p.stopCh:
			for _, item := range p.queue.Drain() {
				if item.Gap != nil {
					gaps = append(gaps, item.Gap)
				} else if item.Event != nil {
					events = append(events, item.Event)
				}
			}
			flush("shutdown")
			return

		case item := <-p.queue.Items():
			if item.Gap != nil {
				gaps = append(gaps, item.Gap)
			} else if item.Event != nil {
				events = append(events, item.Event)
				if len(events) >= p.config.Pipeline.BatchSize {
					flush("size")
				}
			}
			metrics.BufferDepth.Set(float64(p.queue.Len()))

		case <-ticker.C:
			flush("window")

		case reply := <-p.flushReq:
			for _, item := range p.queue.Drain() {
				if item.Gap != nil {
					gaps = append(gaps, item.Gap)
				} else if item.Event != nil {
					events = append(events, item.Event)
				}
			}
			reply <- flush("explicit")
		}
	}
}

// replayOverflow re-delivers batches a previous run spilled, before live
// traffic is drained. The log is truncated after a successful read; batches
// that still cannot be stored go back through the spill path, so a restart
// neither duplicates nor loses them.
func (p *Pipeline) replayOverflow() {
	log := p.log.WithComponent("pipeline")

	records, err := ReadOverflow(p.overflow.Path())
	if err != nil {
		log.WithError(err).Warn("overflow log unreadable, skipping replay")
		return
	}
	if len(records) == 0 {
		return
	}
	if err := p.overflow.Truncate(); err != nil {
		log.WithError(err).Warn("overflow log not truncated, skipping replay")
		return
	}

	log.WithFields(logger.Fields{
		"batches": len(records),
		"path":    p.overflow.Path(),
	}).Info("replaying overflow log")

	for _, record := range records {
		batch := &models.Batch{
			ID:        record.BatchID,
			Events:    record.Events,
			Gaps:      record.Gaps,
			CreatedAt: record.SpilledAt,
		}
		select {
		case <-p.stopCh:
			if err := p.overflow.Spill(batch, nil); err != nil {
				log.WithError(err).WithFields(logger.Fields{
					"batch_id": batch.ID,
				}).Error("replay batch lost during shutdown")
			}
			continue
		default:
		}
		p.deliver(batch, "replay")
	}
}

// deliver pushes one batch with bounded retries. A batch that cannot be
// stored is appended to the overflow log instead of being dropped, keeping
// the at-least-once guarantee even with the sink down. The returned error
// is non-nil only when the batch could be neither stored nor spilled.
func (p *Pipeline) deliver(batch *models.Batch, reason string) error {
	log := p.log.WithComponent("pipeline")
	retry := p.config.Pipeline.Retry
	delay := retry.BaseDelay

	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.Pipeline.FlushTimeout)
		err := p.sink.Upsert(ctx, batch)
		cancel()

		if err == nil {
			p.delivered.Add(1)
			p.records.Add(uint64(len(batch.Events)))
			metrics.BatchesDelivered.Inc()
			logger.IncrementSinkWrite(p.sink.Name(), batch.Size())
			log.WithFields(logger.Fields{
				"batch_id": batch.ID,
				"events":   len(batch.Events),
				"gaps":     len(batch.Gaps),
				"reason":   reason,
				"attempt":  attempt,
			}).Debug("batch delivered")
			p.notifyResync(batch)
			return nil
		}

		lastErr = err
		if sink.IsPermanent(err) {
			log.WithError(err).WithFields(logger.Fields{"batch_id": batch.ID}).Error("permanent sink failure")
			break
		}

		p.retries.Add(1)
		metrics.BatchRetries.Inc()
		log.WithError(err).WithFields(logger.Fields{
			"batch_id": batch.ID,
			"attempt":  attempt,
			"limit":    retry.MaxAttempts,
		}).Warn("batch delivery failed, retrying")

		if attempt < retry.MaxAttempts {
			select {
			case <-time.After(delay):
			case <-p.stopCh:
				// shutting down: skip straight to the overflow spill
				attempt = retry.MaxAttempts
			}
			delay = time.Duration(float64(delay) * retry.BackoffMultiplier)
			if delay > retry.MaxDelay {
				delay = retry.MaxDelay
			}
		}
	}

	if err := p.overflow.Spill(batch, lastErr); err != nil {
		metrics.EventsDropped.Add(float64(len(batch.Events)))
		log.WithError(err).WithFields(logger.Fields{
			"batch_id": batch.ID,
			"events":   len(batch.Events),
		}).Error("batch lost: overflow log unwritable")
		return fmt.Errorf("batch %s lost: %w", batch.ID, err)
	}

	p.spilled.Add(1)
	metrics.OverflowBatches.Inc()
	logger.IncrementOverflow()
	log.WithError(lastErr).WithFields(logger.Fields{
		"batch_id": batch.ID,
		"events":   len(batch.Events),
		"gaps":     len(batch.Gaps),
		"path":     p.overflow.Path(),
	}).Error("batch spilled to overflow log")
	p.notifyResync(batch)
	return nil
}

func (p *Pipeline) notifyResync(batch *models.Batch) {
	if p.resyncer == nil {
		return
	}
	for _, gap := range batch.Gaps {
		p.resyncer.RequestResync(gap.ChannelID)
	}
}

package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"coinflow/config"
	"coinflow/logger"
	"coinflow/models"
	"coinflow/sink"
)

func TestMain(m *testing.M) {
	logger.GetLogger().SetOutput(io.Discard)
	os.Exit(m.Run())
}

// memorySink collects batches; the first fail Upserts return failErr.
type memorySink struct {
	mu      sync.Mutex
	batches []*models.Batch
	fail    int
	failErr error
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Upsert(ctx context.Context, batch *models.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		if m.failErr != nil {
			return m.failErr
		}
		return sink.Transient("memory", "upsert", errors.New("backend down"))
	}
	m.batches = append(m.batches, batch)
	return nil
}

func (m *memorySink) Close() error { return nil }

func (m *memorySink) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func (m *memorySink) lastBatch() *models.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.batches) == 0 {
		return nil
	}
	return m.batches[len(m.batches)-1]
}

type recordingResyncer struct {
	mu       sync.Mutex
	channels []string
}

func (r *recordingResyncer) RequestResync(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, channelID)
}

func (r *recordingResyncer) requested() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.channels...)
}

func pipelineConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Pipeline: config.PipelineConfig{
			BufferSize:   64,
			BufferPolicy: "block",
			BatchSize:    3,
			BatchWindow:  10 * time.Second,
			FlushTimeout: time.Second,
			OverflowPath: filepath.Join(t.TempDir(), "overflow.jsonl"),
			Retry: config.RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         5 * time.Millisecond,
				MaxDelay:          20 * time.Millisecond,
				BackoffMultiplier: 2.0,
			},
		},
	}
}

func tradeEvent(seq uint64) *models.MarketEvent {
	now := time.Now().UTC()
	return &models.MarketEvent{
		ChannelID:  "BTC-USD-trades",
		Symbol:     "BTC-USD",
		Kind:       models.KindTrade,
		Sequence:   models.Seq(seq),
		EventTime:  now,
		ReceivedAt: now,
		Trade:      &models.TradePayload{TradeID: int64(seq), Price: 50000, Size: 0.01, Side: "buy"},
	}
}

func startPipeline(t *testing.T, cfg *config.Config, target sink.Sink) *Pipeline {
	t.Helper()
	p := NewPipeline(cfg, target)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPipelineBatchesBySize(t *testing.T) {
	target := &memorySink{}
	p := startPipeline(t, pipelineConfig(t), target)

	for seq := uint64(1); seq <= 3; seq++ {
		if err := p.Submit(context.Background(), tradeEvent(seq)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return target.batchCount() == 1 }, "size-triggered batch was not delivered")

	batch := target.lastBatch()
	if len(batch.Events) != 3 {
		t.Errorf("expected 3 events in batch, got %d", len(batch.Events))
	}
	if batch.ID == "" {
		t.Error("batch has no id")
	}
	if got := p.Stats().EventsDelivered; got != 3 {
		t.Errorf("expected 3 delivered events, got %d", got)
	}
}

func TestPipelineBatchesByWindow(t *testing.T) {
	cfg := pipelineConfig(t)
	cfg.Pipeline.BatchWindow = 30 * time.Millisecond
	target := &memorySink{}
	p := startPipeline(t, cfg, target)

	if err := p.Submit(context.Background(), tradeEvent(1)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return target.batchCount() == 1 }, "window-triggered batch was not delivered")
	if got := len(target.lastBatch().Events); got != 1 {
		t.Errorf("expected undersized batch with 1 event, got %d", got)
	}
}

func TestPipelineRetriesTransientFailures(t *testing.T) {
	target := &memorySink{fail: 2}
	p := startPipeline(t, pipelineConfig(t), target)

	for seq := uint64(1); seq <= 3; seq++ {
		if err := p.Submit(context.Background(), tradeEvent(seq)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return target.batchCount() == 1 }, "batch was not delivered after retries")

	stats := p.Stats()
	if stats.Retries < 2 {
		t.Errorf("expected at least 2 retries, got %d", stats.Retries)
	}
	if stats.SpilledBatches != 0 {
		t.Errorf("delivered batch must not spill, got %d", stats.SpilledBatches)
	}
}

func TestPipelineSpillsWhenSinkStaysDown(t *testing.T) {
	cfg := pipelineConfig(t)
	target := &memorySink{fail: 100}
	p := startPipeline(t, cfg, target)

	for seq := uint64(1); seq <= 3; seq++ {
		if err := p.Submit(context.Background(), tradeEvent(seq)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return p.Stats().SpilledBatches == 1 }, "batch was not spilled")

	if target.batchCount() != 0 {
		t.Errorf("sink should have accepted nothing, got %d batches", target.batchCount())
	}

	records, err := ReadOverflow(cfg.Pipeline.OverflowPath)
	if err != nil {
		t.Fatalf("ReadOverflow failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 overflow record, got %d", len(records))
	}
	if len(records[0].Events) != 3 {
		t.Errorf("expected 3 events in overflow record, got %d", len(records[0].Events))
	}
	if records[0].Cause == "" {
		t.Error("overflow record should carry the delivery failure")
	}
	if records[0].Events[0].NaturalKey() != "BTC-USD-trades:1" {
		t.Errorf("overflow record lost event identity: %s", records[0].Events[0].NaturalKey())
	}
}

func TestPipelinePermanentFailureSkipsRetries(t *testing.T) {
	target := &memorySink{
		fail:    100,
		failErr: sink.Permanent("memory", "upsert", errors.New("schema rejected")),
	}
	p := startPipeline(t, pipelineConfig(t), target)

	for seq := uint64(1); seq <= 3; seq++ {
		if err := p.Submit(context.Background(), tradeEvent(seq)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return p.Stats().SpilledBatches == 1 }, "permanent failure did not spill")
	if got := p.Stats().Retries; got != 0 {
		t.Errorf("permanent failure must not be retried, got %d retries", got)
	}
}

func TestPipelineFlushDrainsEverything(t *testing.T) {
	cfg := pipelineConfig(t)
	cfg.Pipeline.BatchSize = 100
	target := &memorySink{}
	p := startPipeline(t, cfg, target)

	for seq := uint64(1); seq <= 2; seq++ {
		if err := p.Submit(context.Background(), tradeEvent(seq)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if target.batchCount() != 1 {
		t.Fatalf("expected 1 flushed batch, got %d", target.batchCount())
	}
	if got := len(target.lastBatch().Events); got != 2 {
		t.Errorf("expected 2 events flushed, got %d", got)
	}
}

func TestPipelineGapRidesWithBatchAndTriggersResync(t *testing.T) {
	cfg := pipelineConfig(t)
	cfg.Pipeline.BatchSize = 100
	target := &memorySink{}
	resyncer := &recordingResyncer{}
	p := startPipeline(t, cfg, target)
	p.SetResyncer(resyncer)

	gap := &models.GapRecord{
		ChannelID:    "BTC-USD-trades",
		ExpectedFrom: 5,
		ExpectedTo:   9,
		Observed:     10,
		ObservedAt:   time.Now().UTC(),
	}
	if err := p.SubmitGap(context.Background(), gap); err != nil {
		t.Fatalf("SubmitGap failed: %v", err)
	}
	if err := p.Submit(context.Background(), tradeEvent(10)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	batch := target.lastBatch()
	if batch == nil || len(batch.Gaps) != 1 {
		t.Fatalf("gap record did not reach the sink: %+v", batch)
	}
	if batch.Gaps[0].Missing() != 5 {
		t.Errorf("gap lost its range: %+v", batch.Gaps[0])
	}

	requested := resyncer.requested()
	if len(requested) != 1 || requested[0] != "BTC-USD-trades" {
		t.Errorf("resync not requested after gap delivery: %v", requested)
	}
}

func TestPipelineStopFlushesRemainder(t *testing.T) {
	cfg := pipelineConfig(t)
	cfg.Pipeline.BatchSize = 100
	target := &memorySink{}
	p := NewPipeline(cfg, target)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for seq := uint64(1); seq <= 2; seq++ {
		if err := p.Submit(context.Background(), tradeEvent(seq)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	p.Stop()

	if target.batchCount() != 1 {
		t.Fatalf("expected final batch on stop, got %d", target.batchCount())
	}
	if got := len(target.lastBatch().Events); got != 2 {
		t.Errorf("expected 2 events in final batch, got %d", got)
	}

	if err := p.Submit(context.Background(), tradeEvent(3)); err == nil {
		t.Error("Submit after Stop should fail")
	}
}

func TestPipelineReplaysSpilledBatchesOnStart(t *testing.T) {
	cfg := pipelineConfig(t)

	spilled := &models.Batch{
		ID:        "spilled-1",
		Events:    []*models.MarketEvent{tradeEvent(1), tradeEvent(2)},
		CreatedAt: time.Now().UTC(),
	}
	if err := NewOverflow(cfg.Pipeline.OverflowPath).Spill(spilled, errors.New("backend down")); err != nil {
		t.Fatalf("seeding overflow failed: %v", err)
	}

	target := &memorySink{}
	startPipeline(t, cfg, target)

	waitFor(t, 2*time.Second, func() bool { return target.batchCount() == 1 }, "spilled batch was not replayed")

	batch := target.lastBatch()
	if batch.ID != "spilled-1" {
		t.Errorf("replayed batch kept wrong id: %s", batch.ID)
	}
	if len(batch.Events) != 2 {
		t.Errorf("expected 2 replayed events, got %d", len(batch.Events))
	}

	records, err := ReadOverflow(cfg.Pipeline.OverflowPath)
	if err != nil {
		t.Fatalf("ReadOverflow failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("overflow log should be empty after replay, got %d records", len(records))
	}
}

func TestPipelineRespillsWhenReplayTargetStillDown(t *testing.T) {
	cfg := pipelineConfig(t)

	spilled := &models.Batch{
		ID:        "spilled-2",
		Events:    []*models.MarketEvent{tradeEvent(7)},
		CreatedAt: time.Now().UTC(),
	}
	if err := NewOverflow(cfg.Pipeline.OverflowPath).Spill(spilled, errors.New("backend down")); err != nil {
		t.Fatalf("seeding overflow failed: %v", err)
	}

	target := &memorySink{fail: 100}
	p := startPipeline(t, cfg, target)

	waitFor(t, 2*time.Second, func() bool { return p.Stats().SpilledBatches == 1 }, "replayed batch was not respilled")

	records, err := ReadOverflow(cfg.Pipeline.OverflowPath)
	if err != nil {
		t.Fatalf("ReadOverflow failed: %v", err)
	}
	if len(records) != 1 || records[0].BatchID != "spilled-2" {
		t.Fatalf("expected the replayed batch back in the log, got %+v", records)
	}
	if records[0].Events[0].NaturalKey() != "BTC-USD-trades:7" {
		t.Errorf("respilled record lost event identity: %s", records[0].Events[0].NaturalKey())
	}
}

func TestOverflowRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spill", "overflow.jsonl")
	overflow := NewOverflow(path)

	first := &models.Batch{ID: "b-1", Events: []*models.MarketEvent{tradeEvent(1)}, CreatedAt: time.Now().UTC()}
	second := &models.Batch{ID: "b-2", Gaps: []*models.GapRecord{{ChannelID: "ETH-USD-trades", ExpectedFrom: 2, ExpectedTo: 3, Observed: 4}}, CreatedAt: time.Now().UTC()}

	if err := overflow.Spill(first, errors.New("backend down")); err != nil {
		t.Fatalf("first Spill failed: %v", err)
	}
	if err := overflow.Spill(second, nil); err != nil {
		t.Fatalf("second Spill failed: %v", err)
	}

	records, err := ReadOverflow(path)
	if err != nil {
		t.Fatalf("ReadOverflow failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].BatchID != "b-1" || records[0].Cause != "backend down" {
		t.Errorf("first record mangled: %+v", records[0])
	}
	if len(records[1].Gaps) != 1 || records[1].Gaps[0].ChannelID != "ETH-USD-trades" {
		t.Errorf("second record mangled: %+v", records[1])
	}
}

func TestReadOverflowMissingFile(t *testing.T) {
	records, err := ReadOverflow(filepath.Join(t.TempDir(), "nope.jsonl"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if records != nil {
		t.Errorf("expected no records, got %d", len(records))
	}
}

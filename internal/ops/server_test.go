package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"coinflow/config"
	"coinflow/logger"
	"coinflow/models"
	"coinflow/pipeline"
	"coinflow/poller"
	"coinflow/sequence"
	"coinflow/subscription"
)

func TestMain(m *testing.M) {
	logger.GetLogger().SetOutput(io.Discard)
	os.Exit(m.Run())
}

type fakeFeed struct {
	state      models.ConnectionState
	reconnects uint64
	liveSince  time.Time
}

func (f *fakeFeed) State() models.ConnectionState { return f.state }
func (f *fakeFeed) Reconnects() uint64            { return f.reconnects }
func (f *fakeFeed) Provisional() uint64           { return 3 }
func (f *fakeFeed) LiveSince() time.Time          { return f.liveSince }

type fakePipeline struct{ stats pipeline.Stats }

func (f fakePipeline) Stats() pipeline.Stats { return f.stats }

type fakePoller struct{ stats poller.Stats }

func (f fakePoller) Stats() poller.Stats { return f.stats }

func newTestServer(t *testing.T, sources Sources) *Server {
	t.Helper()
	srv := NewServer(config.OpsConfig{Enabled: true, Addr: ":0"}, sources)
	if srv == nil {
		t.Fatal("NewServer returned nil for enabled config")
	}
	t.Cleanup(srv.cleanup)
	return srv
}

func get(t *testing.T, srv *Server, path string) (int, map[string]any) {
	t.Helper()
	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, path, nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	var body map[string]any
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return res.Code, body
}

func TestNormalizeAddr(t *testing.T) {
	cases := map[string]string{
		"":             "0.0.0.0:8899",
		"  :9090  ":    "0.0.0.0:9090",
		"localhost":    "localhost:8899",
		"0.0.0.0:80":   "0.0.0.0:80",
		"10.0.0.7:443": "10.0.0.7:443",
	}
	for input, want := range cases {
		if got := normalizeAddr(input); got != want {
			t.Fatalf("normalizeAddr(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestDisabledServerIsNil(t *testing.T) {
	srv := NewServer(config.OpsConfig{Enabled: false}, Sources{})
	if srv != nil {
		t.Fatal("disabled config produced a server")
	}
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("nil server Run: %v", err)
	}
	if srv.Address() != "" {
		t.Fatalf("nil server address = %q", srv.Address())
	}
}

func TestHealthReflectsFeedState(t *testing.T) {
	feed := &fakeFeed{state: models.StateLive}
	srv := newTestServer(t, Sources{Feed: feed})

	code, body := get(t, srv, "/api/health")
	if code != http.StatusOK || body["status"] != "ok" || body["feed_state"] != "live" {
		t.Fatalf("live health = %d %v", code, body)
	}

	feed.state = models.StateReconnecting
	code, body = get(t, srv, "/api/health")
	if code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("reconnecting health = %d %v", code, body)
	}
}

func TestHealthWithoutFeedIsOK(t *testing.T) {
	srv := newTestServer(t, Sources{})
	code, body := get(t, srv, "/api/health")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", code, body)
	}
	if _, present := body["feed_state"]; present {
		t.Fatal("feed_state reported without a feed source")
	}
}

func TestStatusAssemblesSections(t *testing.T) {
	subs := subscription.NewManager(
		models.BuildChannels([]string{"BTC-USD"}, []models.ChannelKind{models.KindTrade, models.KindTicker}),
		map[models.ChannelKind]string{models.KindTrade: "matches", models.KindTicker: "ticker"},
	)
	tracker := sequence.NewTracker()
	tracker.Observe("BTC-USD-trades", 101, time.Now())

	srv := newTestServer(t, Sources{
		Feed:          &fakeFeed{state: models.StateLive, reconnects: 2, liveSince: time.Now().Add(-time.Minute)},
		Subscriptions: subs,
		Sequences:     tracker,
		Pipeline:      fakePipeline{stats: pipeline.Stats{BatchesDelivered: 7, EventsDelivered: 700}},
		Poller:        fakePoller{stats: poller.Stats{Cycles: 4, Successful: 4}},
	})

	code, body := get(t, srv, "/api/status")
	if code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}

	feed, ok := body["feed"].(map[string]any)
	if !ok || feed["state"] != "live" || feed["reconnects"] != float64(2) {
		t.Fatalf("feed section = %v", body["feed"])
	}
	if _, present := feed["live_since"]; !present {
		t.Fatal("live_since missing from live feed section")
	}

	subsSection, ok := body["subscriptions"].(map[string]any)
	if !ok || subsSection["pending"] != float64(2) || subsSection["confirmed"] != float64(0) {
		t.Fatalf("subscriptions section = %v", body["subscriptions"])
	}
	channels := subsSection["channels"].(map[string]any)
	if channels["BTC-USD-trades"] != "pending" {
		t.Fatalf("channels = %v", channels)
	}

	seqs, ok := body["sequences"].(map[string]any)
	if !ok || seqs["BTC-USD-trades"] != float64(101) {
		t.Fatalf("sequences section = %v", body["sequences"])
	}

	pl := body["pipeline"].(map[string]any)
	if pl["batches_delivered"] != float64(7) {
		t.Fatalf("pipeline section = %v", pl)
	}
	quotes := body["poller"].(map[string]any)
	if quotes["cycles"] != float64(4) {
		t.Fatalf("poller section = %v", quotes)
	}

	if _, present := body["resources"]; present {
		t.Fatal("resources reported before any sample")
	}
	srv.sampler.record(resourceSample{Timestamp: time.Now(), CPUPercent: 12.5})
	_, body = get(t, srv, "/api/status")
	if _, present := body["resources"]; !present {
		t.Fatal("resources missing after a sample")
	}
}

func TestStatusOmitsAbsentSources(t *testing.T) {
	srv := newTestServer(t, Sources{Poller: fakePoller{stats: poller.Stats{Cycles: 1}}})
	_, body := get(t, srv, "/api/status")
	for _, key := range []string{"feed", "subscriptions", "sequences", "pipeline"} {
		if _, present := body[key]; present {
			t.Fatalf("%s section present without a source", key)
		}
	}
	if _, present := body["poller"]; !present {
		t.Fatal("poller section missing")
	}
}

func TestResourcesEndpointServesHistory(t *testing.T) {
	srv := newTestServer(t, Sources{})
	srv.sampler.record(resourceSample{Timestamp: time.Now(), CPUPercent: 10})
	srv.sampler.record(resourceSample{Timestamp: time.Now(), CPUPercent: 20})

	code, body := get(t, srv, "/api/resources")
	if code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	resources, ok := body["resources"].([]any)
	if !ok || len(resources) != 2 {
		t.Fatalf("resources = %v", body["resources"])
	}
}

func TestLogsEndpointCapturesRecentEntries(t *testing.T) {
	srv := newTestServer(t, Sources{})

	logger.GetLogger().WithComponent("feed").WithFields(logger.Fields{
		"channel": "BTC-USD-trades",
		"err":     errOpaque{},
	}).Info("gap detected for log capture test")

	_, body := get(t, srv, "/api/logs")
	logs, ok := body["logs"].([]any)
	if !ok || len(logs) == 0 {
		t.Fatalf("logs = %v", body["logs"])
	}

	var found map[string]any
	for _, raw := range logs {
		entry := raw.(map[string]any)
		if entry["message"] == "gap detected for log capture test" {
			found = entry
			break
		}
	}
	if found == nil {
		t.Fatal("captured entry not served")
	}
	if found["component"] != "feed" || found["level"] != "info" {
		t.Fatalf("entry = %v", found)
	}
	fields := found["fields"].(map[string]any)
	if fields["channel"] != "BTC-USD-trades" || fields["err"] != "opaque failure" {
		t.Fatalf("fields = %v", fields)
	}

	srv.cleanup()
	before := len(srv.logBuf.snapshot())
	logger.GetLogger().WithComponent("feed").Info("after close")
	if got := len(srv.logBuf.snapshot()); got != before {
		t.Fatalf("closed buffer still recording: %d -> %d", before, got)
	}
}

type errOpaque struct{}

func (errOpaque) Error() string { return "opaque failure" }

func TestSamplerCollectsWithStubbedProbes(t *testing.T) {
	origCPU, origMem, origDisk := sampleCPU, sampleMem, sampleDisk
	t.Cleanup(func() { sampleCPU, sampleMem, sampleDisk = origCPU, origMem, origDisk })

	sampleCPU = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return []float64{42.0}, nil
	}
	sampleMem = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 100, Used: 50, UsedPercent: 50}, nil
	}
	sampleDisk = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Total: 1000, Used: 250, UsedPercent: 25}, nil
	}

	s := newSampler(5, time.Millisecond, "/")
	ctx, cancel := context.WithCancel(context.Background())
	s.start(ctx)
	t.Cleanup(func() {
		cancel()
		s.stop()
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.snapshot()) >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	samples := s.snapshot()
	if len(samples) < 2 {
		t.Fatalf("got %d samples", len(samples))
	}
	last, ok := s.latest()
	if !ok || last.CPUPercent != 42.0 || last.MemPercent != 50 || last.DiskPercent != 25 {
		t.Fatalf("latest sample = %+v", last)
	}
	if len(samples) > 5 {
		t.Fatalf("history exceeded limit: %d", len(samples))
	}
}

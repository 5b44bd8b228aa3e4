package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestCountersRegistered(t *testing.T) {
	// MustRegister panics on duplicate registration; reaching here means
	// init() completed cleanly. Exercise a counter and a vec label.
	FramesRead.Inc()
	GapsDetected.WithLabelValues("BTC-USD-trades").Inc()
	ConnectionState.Set(3)
	BufferDepth.Set(42)
}

func TestMetricsEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := "127.0.0.1:21120"
	StartServer(ctx, addr)

	var body string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		body = string(data)
		break
	}

	if body == "" {
		t.Fatal("metrics endpoint never became reachable")
	}
	if !strings.Contains(body, "coinflow_frames_read_total") {
		t.Error("frames counter missing from exposition")
	}
	if !strings.Contains(body, "coinflow_connection_state") {
		t.Error("connection state gauge missing from exposition")
	}
}

package logger

import (
	"io"
	"os"
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	path := t.TempDir() + "/coinflow.log"
	if err := log.Configure("debug", "json", path, 0); err != nil {
		t.Fatalf("Configure returned error: %v", err)
	}
	log.WithComponent("test").Info("hello")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("log file not created: %v", err)
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestWarnCountsByComponent(t *testing.T) {
	log := Logger()
	log.SetOutput(io.Discard)

	before := atomic.LoadInt64(&warnsFeed)
	log.WithComponent("feed").Warn("liveness timeout")
	if got := atomic.LoadInt64(&warnsFeed); got != before+1 {
		t.Errorf("warnsFeed = %d, want %d", got, before+1)
	}

	beforeStorage := atomic.LoadInt64(&errorsStorage)
	log.WithComponent("sink_postgres").Error("upsert failed")
	if got := atomic.LoadInt64(&errorsStorage); got != beforeStorage+1 {
		t.Errorf("errorsStorage = %d, want %d", got, beforeStorage+1)
	}
}

func TestChannelStatsAccumulate(t *testing.T) {
	IncrementFeedRead(128)
	IncrementFeedRead(64)

	v, ok := channels.Load("feed_ws")
	if !ok {
		t.Fatal("feed_ws channel stat missing")
	}
	cs := v.(*channelStat)
	if atomic.LoadInt64(&cs.messages) < 2 {
		t.Errorf("messages = %d, want >= 2", cs.messages)
	}
	if atomic.LoadInt64(&cs.bytes) < 192 {
		t.Errorf("bytes = %d, want >= 192", cs.bytes)
	}
}

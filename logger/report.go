package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFeed     int64
	errorsStorage  int64
	errorsPoller   int64
	warnsFeed      int64
	warnsStorage   int64
	warnsPoller    int64
	feedReads      int64
	pollReads      int64
	sinkWrites     int64
	gapsDetected   int64
	reconnects     int64
	overflowSpills int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "feed"):
		atomic.AddInt64(&warnsFeed, 1)
	case strings.Contains(component, "pipeline"), strings.Contains(component, "sink"):
		atomic.AddInt64(&warnsStorage, 1)
	case strings.Contains(component, "poller"):
		atomic.AddInt64(&warnsPoller, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "feed"):
		atomic.AddInt64(&errorsFeed, 1)
	case strings.Contains(component, "pipeline"), strings.Contains(component, "sink"):
		atomic.AddInt64(&errorsStorage, 1)
	case strings.Contains(component, "poller"):
		atomic.AddInt64(&errorsPoller, 1)
	}
}

// IncrementFeedRead counts one websocket frame of the given size.
func IncrementFeedRead(size int) {
	atomic.AddInt64(&feedReads, 1)
	recordChannel("feed_ws", size)
}

// IncrementPollRead counts one REST quote response of the given size.
func IncrementPollRead(size int) {
	atomic.AddInt64(&pollReads, 1)
	recordChannel("poller_rest", size)
}

// IncrementSinkWrite counts one delivered batch for the named sink.
func IncrementSinkWrite(sink string, records int) {
	atomic.AddInt64(&sinkWrites, 1)
	recordChannel("sink_"+sink, records)
}

// IncrementGap counts one detected sequence gap.
func IncrementGap() {
	atomic.AddInt64(&gapsDetected, 1)
}

// IncrementReconnect counts one feed reconnect cycle.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// IncrementOverflow counts one batch spilled to the overflow log.
func IncrementOverflow() {
	atomic.AddInt64(&overflowSpills, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and ingestion statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_feed":     atomic.LoadInt64(&errorsFeed),
		"errors_storage":  atomic.LoadInt64(&errorsStorage),
		"errors_poller":   atomic.LoadInt64(&errorsPoller),
		"warns_feed":      atomic.LoadInt64(&warnsFeed),
		"warns_storage":   atomic.LoadInt64(&warnsStorage),
		"warns_poller":    atomic.LoadInt64(&warnsPoller),
		"feed_reads":      atomic.LoadInt64(&feedReads),
		"poll_reads":      atomic.LoadInt64(&pollReads),
		"sink_writes":     atomic.LoadInt64(&sinkWrites),
		"gaps_detected":   atomic.LoadInt64(&gapsDetected),
		"reconnects":      atomic.LoadInt64(&reconnects),
		"overflow_spills": atomic.LoadInt64(&overflowSpills),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"disk_mb":         int64(diskStats.Used) / 1024 / 1024,
		"channels":        channelData,
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Coinflow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Coinflow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Coinflow-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Coinflow-ErrorsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_feed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Coinflow-ErrorsStorage"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_storage"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Coinflow-WarnsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_feed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Coinflow-WarnsStorage"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_storage"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Coinflow-FeedReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["feed_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Coinflow-PollReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["poll_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Coinflow-SinkWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["sink_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Coinflow-GapsDetected"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["gaps_detected"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Coinflow-Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Coinflow-OverflowSpills"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["overflow_spills"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Coinflow-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("Coinflow-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Coinflow-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Coinflow-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}

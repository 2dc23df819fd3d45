package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"runtime"
	"runtime/metrics"
	"time"

	"github.com/vango-dev/serversignal/pkg/client"
	"github.com/vango-dev/serversignal/pkg/server"
)

type runtimeMetricsSnapshot struct {
	cpuTotalSeconds   float64
	cpuGCSeconds      float64
	heapAllocsObjects uint64
}

func readRuntimeMetrics() runtimeMetricsSnapshot {
	samples := []metrics.Sample{
		{Name: "/cpu/classes/total:cpu-seconds"},
		{Name: "/cpu/classes/gc/total:cpu-seconds"},
		{Name: "/gc/heap/allocs:objects"},
	}
	metrics.Read(samples)

	var out runtimeMetricsSnapshot
	for _, s := range samples {
		if s.Value.Kind() == metrics.KindBad {
			continue
		}
		switch s.Name {
		case "/cpu/classes/total:cpu-seconds":
			out.cpuTotalSeconds = s.Value.Float64()
		case "/cpu/classes/gc/total:cpu-seconds":
			out.cpuGCSeconds = s.Value.Float64()
		case "/gc/heap/allocs:objects":
			out.heapAllocsObjects = s.Value.Uint64()
		}
	}
	return out
}

func cpuFraction(after, before runtimeMetricsSnapshot) float64 {
	total := after.cpuTotalSeconds - before.cpuTotalSeconds
	if total <= 0 {
		return 0
	}
	gc := after.cpuGCSeconds - before.cpuGCSeconds
	if gc < 0 {
		return 0
	}
	return gc / total
}

// percentile expects sorted to be in ascending order.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	return sorted[min(max(idx, 0), len(sorted)-1)]
}

func avgPause(after, before runtime.MemStats) time.Duration {
	gcCount := after.NumGC - before.NumGC
	if gcCount == 0 {
		return 0
	}
	return time.Duration((after.PauseTotalNs - before.PauseTotalNs) / uint64(gcCount))
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type benchReport struct {
	Version    string         `json:"version"`
	Run        runInfo        `json:"run"`
	Workload   workloadInfo   `json:"workload"`
	LatencyMS  latencyInfo    `json:"latency_ms"`
	Throughput throughputInfo `json:"throughput"`
	GC         gcInfo         `json:"gc"`
	Protocol   protocolInfo   `json:"protocol"`
	Errors     errorInfo      `json:"errors"`
}

type runInfo struct {
	Timestamp string `json:"timestamp"`
	Go        string `json:"go"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	CPUCount  int    `json:"cpu_count"`
	Commit    string `json:"commit,omitempty"`
}

type workloadInfo struct {
	Profile       string  `json:"profile"`
	Clients       int     `json:"clients"`
	Codec         string  `json:"codec"`
	DurationMS    int64   `json:"duration_ms"`
	UpdatesPerSec float64 `json:"updates_per_sec"`
	ListSize      int     `json:"list_size"`
	PayloadBytes  int     `json:"payload_bytes"`
	MaxProcs      int     `json:"max_procs"`
	MemLimitBytes int64   `json:"mem_limit_bytes"`
}

type latencyInfo struct {
	Samples int     `json:"samples"`
	Min     float64 `json:"min"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
	Max     float64 `json:"max"`
}

type throughputInfo struct {
	Updates          uint64  `json:"updates"`
	UpdatesPerSec    float64 `json:"updates_per_sec"`
	Deliveries       uint64  `json:"deliveries"`
	DeliveriesPerSec float64 `json:"deliveries_per_sec"`
}

type gcInfo struct {
	AllocMB       float64 `json:"alloc_mb"`
	HeapLiveMB    float64 `json:"heap_live_mb"`
	NumGC         uint32  `json:"num_gc"`
	PauseTotalMS  float64 `json:"pause_total_ms"`
	PauseAvgMS    float64 `json:"pause_avg_ms"`
	GCCPUFraction float64 `json:"gc_cpu_fraction"`
	AllocsObjects uint64  `json:"allocs_objects"`
}

type protocolInfo struct {
	PatchBytesTotal uint64  `json:"patch_bytes_total"`
	AvgPatchBytes   float64 `json:"avg_patch_bytes"`
	FramesSent      uint64  `json:"frames_sent"`
	BytesSent       uint64  `json:"bytes_sent"`
	BytesReceived   uint64  `json:"bytes_received"`
	AvgFrameBytes   float64 `json:"avg_frame_bytes"`
	Resyncs         uint64  `json:"resyncs"`
	Replays         uint64  `json:"replays"`
	Snapshots       uint64  `json:"snapshots"`
}

type errorInfo struct {
	TotalErrors    uint64 `json:"total_errors"`
	UpdateFailures uint64 `json:"update_failures"`
	ClientErrors   uint64 `json:"client_errors"`
	SlowConsumers  uint64 `json:"slow_consumers"`
	Reconnects     uint64 `json:"reconnects"`
	SamplesDropped uint64 `json:"samples_dropped"`
}

func buildReport(
	cfg benchConfig,
	elapsed time.Duration,
	latencies []time.Duration,
	counters *benchCounters,
	clients []client.Stats,
	beforeServer *server.ServerMetrics,
	afterServer *server.ServerMetrics,
	before runtime.MemStats,
	after runtime.MemStats,
	beforeMetrics runtimeMetricsSnapshot,
	afterMetrics runtimeMetricsSnapshot,
) benchReport {
	updates := counters.updates.Load()
	patchBytes := counters.patchBytes.Load()
	elapsedSeconds := math.Max(0.001, elapsed.Seconds())

	latency := latencyInfo{Samples: len(latencies)}
	if len(latencies) > 0 {
		latency.Min = ms(latencies[0])
		latency.P50 = ms(percentile(latencies, 0.50))
		latency.P95 = ms(percentile(latencies, 0.95))
		latency.P99 = ms(percentile(latencies, 0.99))
		latency.Max = ms(latencies[len(latencies)-1])
	}

	var reconnects uint64
	for _, s := range clients {
		if s.Connects > 1 {
			reconnects += s.Connects - 1
		}
	}

	avgPatchBytes := 0.0
	if updates > 0 {
		avgPatchBytes = float64(patchBytes) / float64(updates)
	}
	framesSent := afterServer.FramesSent - beforeServer.FramesSent
	bytesSent := afterServer.BytesSent - beforeServer.BytesSent
	avgFrameBytes := 0.0
	if framesSent > 0 {
		avgFrameBytes = float64(bytesSent) / float64(framesSent)
	}

	codec := "binary"
	if cfg.JSONCodec {
		codec = "json"
	}

	slow := afterServer.Dropped - beforeServer.Dropped
	errs := errorInfo{
		UpdateFailures: counters.updateFailures.Load(),
		ClientErrors:   counters.clientErrors.Load(),
		SlowConsumers:  slow,
		Reconnects:     reconnects,
		SamplesDropped: counters.samplesDropped.Load(),
	}
	errs.TotalErrors = errs.UpdateFailures + errs.ClientErrors + errs.SlowConsumers

	return benchReport{
		Version: "1",
		Run: runInfo{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Go:        runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			CPUCount:  runtime.NumCPU(),
			Commit:    commit,
		},
		Workload: workloadInfo{
			Profile:       cfg.Name,
			Clients:       cfg.Clients,
			Codec:         codec,
			DurationMS:    cfg.Duration.Milliseconds(),
			UpdatesPerSec: cfg.Rate,
			ListSize:      cfg.ListSize,
			PayloadBytes:  cfg.PayloadBytes,
			MaxProcs:      cfg.MaxProcs,
			MemLimitBytes: cfg.MemLimitBytes,
		},
		LatencyMS: latency,
		Throughput: throughputInfo{
			Updates:          updates,
			UpdatesPerSec:    float64(updates) / elapsedSeconds,
			Deliveries:       uint64(len(latencies)),
			DeliveriesPerSec: float64(len(latencies)) / elapsedSeconds,
		},
		GC: gcInfo{
			AllocMB:       float64(after.TotalAlloc-before.TotalAlloc) / (1024 * 1024),
			HeapLiveMB:    float64(after.HeapAlloc) / (1024 * 1024),
			NumGC:         after.NumGC - before.NumGC,
			PauseTotalMS:  ms(time.Duration(after.PauseTotalNs - before.PauseTotalNs)),
			PauseAvgMS:    ms(avgPause(after, before)),
			GCCPUFraction: cpuFraction(afterMetrics, beforeMetrics),
			AllocsObjects: afterMetrics.heapAllocsObjects - beforeMetrics.heapAllocsObjects,
		},
		Protocol: protocolInfo{
			PatchBytesTotal: patchBytes,
			AvgPatchBytes:   avgPatchBytes,
			FramesSent:      framesSent,
			BytesSent:       bytesSent,
			BytesReceived:   afterServer.BytesReceived - beforeServer.BytesReceived,
			AvgFrameBytes:   avgFrameBytes,
			Resyncs:         afterServer.Resyncs - beforeServer.Resyncs,
			Replays:         afterServer.Replays - beforeServer.Replays,
			Snapshots:       afterServer.Snapshots - beforeServer.Snapshots,
		},
		Errors: errs,
	}
}

func writeSummary(w io.Writer, report benchReport) {
	fmt.Fprintln(w, "=== serversignal benchmark ===")
	fmt.Fprintf(w, "Profile: %s\n", report.Workload.Profile)
	fmt.Fprintf(w, "Clients: %d (%s codec)\n", report.Workload.Clients, report.Workload.Codec)
	fmt.Fprintf(w, "Duration: %s\n", time.Duration(report.Workload.DurationMS)*time.Millisecond)
	fmt.Fprintf(w, "Target rate: %.2f updates/s\n", report.Workload.UpdatesPerSec)
	fmt.Fprintf(w, "List size: %d\n", report.Workload.ListSize)
	fmt.Fprintf(w, "Payload bytes: %d\n", report.Workload.PayloadBytes)
	if report.Workload.MaxProcs > 0 {
		fmt.Fprintf(w, "GOMAXPROCS cap: %d\n", report.Workload.MaxProcs)
	}
	if report.Workload.MemLimitBytes > 0 {
		fmt.Fprintf(w, "GOMEMLIMIT cap: %.2f GiB\n", float64(report.Workload.MemLimitBytes)/float64(gib))
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Updates: %d (%.1f/s)\n", report.Throughput.Updates, report.Throughput.UpdatesPerSec)
	fmt.Fprintf(w, "Deliveries: %d (%.1f/s)\n", report.Throughput.Deliveries, report.Throughput.DeliveriesPerSec)
	fmt.Fprintf(w, "Errors: %d (slow consumers: %d, reconnects: %d)\n",
		report.Errors.TotalErrors, report.Errors.SlowConsumers, report.Errors.Reconnects)
	fmt.Fprintln(w)

	if report.LatencyMS.Samples == 0 {
		fmt.Fprintln(w, "No latency samples recorded.")
	} else {
		fmt.Fprintln(w, "Propagation (signal update -> replica applied):")
		fmt.Fprintf(w, "  min: %.2f ms\n", report.LatencyMS.Min)
		fmt.Fprintf(w, "  p50: %.2f ms\n", report.LatencyMS.P50)
		fmt.Fprintf(w, "  p95: %.2f ms\n", report.LatencyMS.P95)
		fmt.Fprintf(w, "  p99: %.2f ms\n", report.LatencyMS.P99)
		fmt.Fprintf(w, "  max: %.2f ms\n", report.LatencyMS.Max)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Protocol:")
	fmt.Fprintf(w, "  patch bytes: %.1f avg\n", report.Protocol.AvgPatchBytes)
	fmt.Fprintf(w, "  frame bytes: %.1f avg over %d frames\n", report.Protocol.AvgFrameBytes, report.Protocol.FramesSent)
	fmt.Fprintf(w, "  resyncs:     %d (replay %d, snapshot %d)\n",
		report.Protocol.Resyncs, report.Protocol.Replays, report.Protocol.Snapshots)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Go runtime / GC (process-wide):")
	fmt.Fprintf(w, "  alloc:     %.2f MB\n", report.GC.AllocMB)
	fmt.Fprintf(w, "  heap_live: %.2f MB\n", report.GC.HeapLiveMB)
	fmt.Fprintf(w, "  num_gc:    %d\n", report.GC.NumGC)
	fmt.Fprintf(w, "  gc_pause:  %.2f ms (total)\n", report.GC.PauseTotalMS)
	fmt.Fprintf(w, "  gc_pause:  %.2f ms (avg)\n", report.GC.PauseAvgMS)
	fmt.Fprintf(w, "  gc_cpu:    %.2f%%\n", report.GC.GCCPUFraction*100)
}

func encodeReport(w io.Writer, report benchReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

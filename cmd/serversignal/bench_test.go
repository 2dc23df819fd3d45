package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/vango-dev/serversignal/pkg/server"
)

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"10b", 10},
		{"2kb", 2000},
		{"1.5MB", 1500000},
		{"1KiB", 1024},
		{"2GiB", 2 * gib},
		{" 3 mib ", 3 * 1024 * 1024},
	}
	for _, tt := range tests {
		got, err := parseBytes(tt.in)
		if err != nil {
			t.Errorf("parseBytes(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseBytes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}

	for _, in := range []string{"", "GiB", "12 parsecs"} {
		if _, err := parseBytes(in); err == nil {
			t.Errorf("parseBytes(%q) succeeded", in)
		}
	}
}

func TestPercentile(t *testing.T) {
	var sorted []time.Duration
	for i := 1; i <= 100; i++ {
		sorted = append(sorted, time.Duration(i)*time.Millisecond)
	}

	tests := []struct {
		p    float64
		want time.Duration
	}{
		{0, time.Millisecond},
		{0.5, 50 * time.Millisecond},
		{0.95, 95 * time.Millisecond},
		{0.99, 99 * time.Millisecond},
		{1, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := percentile(sorted, tt.p); got != tt.want {
			t.Errorf("percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Errorf("percentile(nil) = %v", got)
	}
}

func TestMakeToken(t *testing.T) {
	if got := makeToken(35, 4); got != "zxxx" {
		t.Errorf("makeToken(35, 4) = %q", got)
	}
	if got := makeToken(1<<40, 3); len(got) != 3 {
		t.Errorf("makeToken truncation = %q", got)
	}
}

func TestBenchConfigValidate(t *testing.T) {
	valid := benchConfig{benchProfile: benchProfiles["fast"]}
	if err := valid.validate(); err != nil {
		t.Fatalf("fast profile invalid: %v", err)
	}

	mutations := map[string]func(*benchConfig){
		"clients":  func(c *benchConfig) { c.Clients = 0 },
		"duration": func(c *benchConfig) { c.Duration = 0 },
		"rate":     func(c *benchConfig) { c.Rate = -1 },
		"list":     func(c *benchConfig) { c.ListSize = 0 },
		"payload":  func(c *benchConfig) { c.PayloadBytes = 0 },
		"procs":    func(c *benchConfig) { c.MaxProcs = -1 },
	}
	for name, mutate := range mutations {
		cfg := valid
		mutate(&cfg)
		if err := cfg.validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestRunBenchSmall(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an in-process server and replicas")
	}

	cfg := benchConfig{benchProfile: benchProfile{
		Name:         "test",
		Clients:      3,
		Duration:     300 * time.Millisecond,
		Rate:         50,
		ListSize:     8,
		PayloadBytes: 16,
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	report, err := runBench(ctx, cfg, server.DefaultSessionConfig())
	if err != nil {
		t.Fatalf("runBench: %v", err)
	}

	if report.Workload.Clients != 3 || report.Workload.Codec != "binary" {
		t.Errorf("workload = %+v", report.Workload)
	}
	if report.Throughput.Updates == 0 {
		t.Error("no updates published")
	}
	if report.Protocol.PatchBytesTotal == 0 {
		t.Error("no patch bytes recorded")
	}

	var summary bytes.Buffer
	writeSummary(&summary, report)
	if !strings.Contains(summary.String(), "Profile: test") {
		t.Errorf("summary missing profile:\n%s", summary.String())
	}

	var out bytes.Buffer
	if err := encodeReport(&out, report); err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	for _, key := range []string{"run", "workload", "latency_ms", "throughput", "gc", "protocol", "errors"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("report missing %q", key)
		}
	}
}

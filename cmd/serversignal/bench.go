package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/serversignal/internal/errors"
	"github.com/vango-dev/serversignal/pkg/client"
	"github.com/vango-dev/serversignal/pkg/server"
	"github.com/vango-dev/serversignal/pkg/signal"
)

const gib = int64(1024 * 1024 * 1024)

type benchProfile struct {
	Name          string
	Clients       int
	Duration      time.Duration
	Rate          float64
	ListSize      int
	PayloadBytes  int
	MaxProcs      int
	MemLimitBytes int64
}

var benchProfiles = map[string]benchProfile{
	"fast": {
		Name:         "fast",
		Clients:      50,
		Duration:     10 * time.Second,
		Rate:         20,
		ListSize:     20,
		PayloadBytes: 24,
	},
	"standard": {
		Name:         "standard",
		Clients:      200,
		Duration:     30 * time.Second,
		Rate:         50,
		ListSize:     50,
		PayloadBytes: 24,
	},
	"stress": {
		Name:          "stress",
		Clients:       500,
		Duration:      60 * time.Second,
		Rate:          100,
		ListSize:      100,
		PayloadBytes:  24,
		MaxProcs:      4,
		MemLimitBytes: 2 * gib,
	},
}

type benchConfig struct {
	benchProfile
	JSONCodec  bool
	JSONOutput string
}

// benchState is the signal every replica follows. Stamp is the wall time of
// the update, so a replica can measure how long the diff took to arrive.
type benchState struct {
	Stamp int64    `json:"stamp"`
	Round uint64   `json:"round"`
	Items []string `json:"items"`
}

type benchCounters struct {
	updates        atomic.Uint64
	updateFailures atomic.Uint64
	patchBytes     atomic.Uint64
	samplesDropped atomic.Uint64
	clientErrors   atomic.Uint64
}

func benchCmd(g *globalFlags) *cobra.Command {
	var (
		profileName string
		clients     int
		duration    time.Duration
		rate        float64
		listSize    int
		payload     int
		maxProcs    int
		memLimit    string
		jsonCodec   bool
		jsonOut     string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure update propagation to many replicas",
		Long: `Run an in-process server and connect many client replicas to it, then
update the signal at a fixed rate and record how long each diff takes to
reach each replica.

Profiles:
  fast       50 clients, 10s, 20 updates/s
  standard  200 clients, 30s, 50 updates/s
  stress    500 clients, 60s, 100 updates/s, GOMAXPROCS=4, GOMEMLIMIT=2GiB

A summary is written to stderr and a JSON report to --out.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, ok := benchProfiles[strings.ToLower(strings.TrimSpace(profileName))]
			if !ok {
				return errors.Newf(errors.CategoryCLI, "unknown profile %q", profileName).
					WithSuggestion("Use fast, standard or stress.")
			}
			cfg := benchConfig{benchProfile: base, JSONCodec: jsonCodec, JSONOutput: jsonOut}

			f := cmd.Flags()
			if f.Changed("clients") {
				cfg.Clients = clients
			}
			if f.Changed("duration") {
				cfg.Duration = duration
			}
			if f.Changed("rate") {
				cfg.Rate = rate
			}
			if f.Changed("list") {
				cfg.ListSize = listSize
			}
			if f.Changed("payload-bytes") {
				cfg.PayloadBytes = payload
			}
			if f.Changed("max-procs") {
				cfg.MaxProcs = maxProcs
			}
			if memLimit != "" {
				limit, err := parseBytes(memLimit)
				if err != nil {
					return errors.Newf(errors.CategoryCLI, "invalid --mem-limit").Wrap(err)
				}
				cfg.MemLimitBytes = limit
			}
			if err := cfg.validate(); err != nil {
				return err
			}

			appCfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			report, err := runBench(cmd.Context(), cfg, appCfg.SessionConfig())
			if err != nil {
				return err
			}
			writeSummary(cmd.ErrOrStderr(), report)
			return writeJSON(cfg.JSONOutput, cmd.OutOrStdout(), report)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&profileName, "profile", "p", "standard", "Profile: fast, standard or stress")
	f.IntVar(&clients, "clients", 0, "Number of concurrent replicas")
	f.DurationVar(&duration, "duration", 0, "Benchmark duration, e.g. 30s")
	f.Float64Var(&rate, "rate", 0, "Signal updates per second")
	f.IntVar(&listSize, "list", 0, "Number of items in the signal value")
	f.IntVar(&payload, "payload-bytes", 0, "Bytes per updated item")
	f.IntVar(&maxProcs, "max-procs", 0, "GOMAXPROCS cap (0 to leave unchanged)")
	f.StringVar(&memLimit, "mem-limit", "", "GOMEMLIMIT (e.g. 2GiB)")
	f.BoolVar(&jsonCodec, "json-codec", false, "Connect replicas with the text codec")
	f.StringVarP(&jsonOut, "out", "o", "-", "JSON report path ('-' for stdout)")

	return cmd
}

func (c benchConfig) validate() error {
	switch {
	case c.Clients <= 0:
		return errors.Newf(errors.CategoryCLI, "--clients must be > 0")
	case c.Duration <= 0:
		return errors.Newf(errors.CategoryCLI, "--duration must be > 0")
	case c.Rate <= 0:
		return errors.Newf(errors.CategoryCLI, "--rate must be > 0")
	case c.ListSize <= 0:
		return errors.Newf(errors.CategoryCLI, "--list must be > 0")
	case c.PayloadBytes <= 0:
		return errors.Newf(errors.CategoryCLI, "--payload-bytes must be > 0")
	case c.MaxProcs < 0:
		return errors.Newf(errors.CategoryCLI, "--max-procs must be >= 0")
	}
	return nil
}

func runBench(ctx context.Context, cfg benchConfig, sc *server.SessionConfig) (benchReport, error) {
	if cfg.MaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcs)
	}
	if cfg.MemLimitBytes > 0 {
		debug.SetMemoryLimit(cfg.MemLimitBytes)
	}
	debug.SetGCPercent(100)

	sig, err := signal.NewWithValue("bench", benchState{Items: make([]string, cfg.ListSize)})
	if err != nil {
		return benchReport{}, err
	}
	srvCfg := server.DefaultServerConfig().
		WithAddress("127.0.0.1:0").
		WithCheckOrigin(func(*http.Request) bool { return true }).
		WithSessionConfig(sc).
		WithLogger(discardLogger())
	srv := server.New(sig, srvCfg)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return benchReport{}, errors.New("E021").Wrap(err)
	}
	httpServer := &http.Server{Handler: srv, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		_ = httpServer.Serve(ln)
	}()
	defer func() {
		_ = srv.Shutdown(context.Background())
		_ = httpServer.Shutdown(context.Background())
	}()

	url := "ws://" + ln.Addr().String() + srvCfg.Path

	samplesCh := make(chan time.Duration, sampleBuffer(cfg.Clients))
	var samples []time.Duration
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for d := range samplesCh {
			samples = append(samples, d)
		}
	}()

	var counters benchCounters
	clientCtx, stopClients := context.WithCancel(ctx)
	defer stopClients()

	var wg sync.WaitGroup
	clients := make([]*client.Client[benchState], cfg.Clients)
	for i := range clients {
		replica, err := signal.NewReplica[benchState]("bench")
		if err != nil {
			return benchReport{}, err
		}
		opts := []client.Option{
			client.WithBackoff(50*time.Millisecond, time.Second),
			client.WithLogger(discardLogger()),
		}
		if cfg.JSONCodec {
			opts = append(opts, client.WithJSON())
		}
		c := client.New(url, replica, opts...)
		clients[i] = c

		// The first change is the initial snapshot, not a measured update.
		var seen atomic.Bool
		replica.OnChange(func(v benchState) {
			if !seen.Swap(true) || v.Stamp == 0 {
				return
			}
			select {
			case samplesCh <- time.Since(time.Unix(0, v.Stamp)):
			default:
				counters.samplesDropped.Add(1)
			}
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Run(clientCtx); err != nil && !stderrors.Is(err, context.Canceled) {
				counters.clientErrors.Add(1)
			}
		}()
	}

	if err := waitForSessions(ctx, srv.Hub(), cfg.Clients, 10*time.Second); err != nil {
		return benchReport{}, err
	}

	var before runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	beforeMetrics := readRuntimeMetrics()
	beforeServer := srv.Metrics()

	start := time.Now()
	runUpdates(ctx, sig, cfg, &counters)
	// Let the last diffs drain before measuring.
	time.Sleep(100 * time.Millisecond)
	elapsed := time.Since(start)

	afterServer := srv.Metrics()
	var after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&after)
	afterMetrics := readRuntimeMetrics()

	var stats []client.Stats
	for _, c := range clients {
		stats = append(stats, c.Stats())
	}
	stopClients()
	wg.Wait()
	close(samplesCh)
	<-collectorDone

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return buildReport(cfg, elapsed, samples, &counters, stats, beforeServer, afterServer, before, after, beforeMetrics, afterMetrics), nil
}

// runUpdates changes one item per update at cfg.Rate until cfg.Duration
// has passed.
func runUpdates(ctx context.Context, sig *signal.Signal[benchState], cfg benchConfig, counters *benchCounters) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	t := time.NewTicker(time.Duration(float64(time.Second) / cfg.Rate))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			u, err := sig.Update(func(s *benchState) {
				s.Round++
				s.Items[int(s.Round)%len(s.Items)] = makeToken(s.Round, cfg.PayloadBytes)
				s.Stamp = time.Now().UnixNano()
			})
			if err != nil {
				counters.updateFailures.Add(1)
				continue
			}
			counters.updates.Add(1)
			counters.patchBytes.Add(uint64(len(u.Patch)))
		}
	}
}

func waitForSessions(ctx context.Context, hub *server.Hub, n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for hub.Len() < n {
		if time.Now().After(deadline) {
			return errors.New("E020").
				WithDetail(fmt.Sprintf("Only %d of %d replicas connected within %s.", hub.Len(), n, timeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

func sampleBuffer(clients int) int {
	return max(1024, clients*64)
}

func makeToken(round uint64, size int) string {
	token := strconv.FormatUint(round, 36)
	if len(token) >= size {
		return token[:size]
	}
	return token + strings.Repeat("x", size-len(token))
}

func parseBytes(input string) (int64, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return 0, stderrors.New("empty size")
	}

	var i int
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("invalid size %q", input)
	}

	value, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, err
	}

	var multiplier float64
	switch strings.ToLower(strings.TrimSpace(s[i:])) {
	case "", "b":
		multiplier = 1
	case "kb":
		multiplier = 1e3
	case "mb":
		multiplier = 1e6
	case "gb":
		multiplier = 1e9
	case "kib":
		multiplier = 1024
	case "mib":
		multiplier = 1024 * 1024
	case "gib":
		multiplier = float64(gib)
	default:
		return 0, fmt.Errorf("unknown size suffix in %q", input)
	}
	return int64(value*multiplier + 0.5), nil
}

func writeJSON(path string, stdout io.Writer, report benchReport) error {
	out := stdout
	if path != "-" {
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		defer file.Close()
		out = file
	}
	return encodeReport(out, report)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

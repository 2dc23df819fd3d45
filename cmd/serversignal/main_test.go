package main

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vango-dev/serversignal/internal/config"
	"github.com/vango-dev/serversignal/internal/errors"
	"github.com/vango-dev/serversignal/pkg/client"
	"github.com/vango-dev/serversignal/pkg/middleware"
	"github.com/vango-dev/serversignal/pkg/protocol"
	"github.com/vango-dev/serversignal/pkg/server"
	"github.com/vango-dev/serversignal/pkg/signal"
)

func newTestServer(t *testing.T, cfg *config.Config, sig *signal.Signal[Counter]) (*server.Server, *httptest.Server) {
	t.Helper()
	sc := cfg.ServerConfig(discardLogger()).WithCheckOrigin(func(*http.Request) bool { return true })
	srv := server.New(sig, sc)
	srv.SetHandler(newRouter(cfg, srv, sig, nil, discardLogger()))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv, ts
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	return resp.StatusCode, body
}

func TestRouterEndpoints(t *testing.T) {
	cfg := config.New()
	sig, err := signal.New[Counter](cfg.Signal.Name)
	if err != nil {
		t.Fatal(err)
	}
	_, ts := newTestServer(t, cfg, sig)

	if _, err := sig.Update(func(c *Counter) { c.Value = 7 }); err != nil {
		t.Fatal(err)
	}

	status, body := get(t, ts.URL+"/healthz")
	if status != http.StatusOK || string(body) != "OK" {
		t.Errorf("/healthz = %d %q", status, body)
	}

	status, body = get(t, ts.URL+"/state")
	if status != http.StatusOK {
		t.Fatalf("/state status = %d", status)
	}
	var state struct {
		Name     string  `json:"name"`
		Seq      uint64  `json:"seq"`
		Sessions int     `json:"sessions"`
		Value    Counter `json:"value"`
	}
	if err := json.Unmarshal(body, &state); err != nil {
		t.Fatalf("decode /state: %v", err)
	}
	if state.Name != "counter" || state.Seq != 1 || state.Value.Value != 7 || state.Sessions != 0 {
		t.Errorf("/state = %+v", state)
	}

	status, body = get(t, ts.URL+"/stats")
	if status != http.StatusOK {
		t.Fatalf("/stats status = %d", status)
	}
	var stats server.ServerMetrics
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("decode /stats: %v", err)
	}
	if stats.LastSeq != 1 {
		t.Errorf("stats.LastSeq = %d, want 1", stats.LastSeq)
	}

	if status, _ := get(t, ts.URL+cfg.Metrics.Path); status != http.StatusOK {
		t.Errorf("%s status = %d", cfg.Metrics.Path, status)
	}
}

func TestRouterWithoutMetrics(t *testing.T) {
	cfg := config.New()
	cfg.Metrics.Enabled = false
	sig, err := signal.New[Counter](cfg.Signal.Name)
	if err != nil {
		t.Fatal(err)
	}
	_, ts := newTestServer(t, cfg, sig)

	if status, _ := get(t, ts.URL+"/metrics"); status != http.StatusNotFound {
		t.Errorf("/metrics status = %d, want 404", status)
	}
}

func TestRecordSessionCloseCountsWebSocketErrors(t *testing.T) {
	middleware.Prometheus(middleware.WithRegistry(prometheus.NewRegistry()))
	c := middleware.GetMetrics()
	if c == nil {
		t.Fatal("collectors not initialized")
	}
	reads := c.WebSocketErrors("read")
	writes := c.WebSocketErrors("write")
	readsBefore := testutil.ToFloat64(reads)
	writesBefore := testutil.ToFloat64(writes)

	recordSessionClose("binary", server.NewSessionError("s1", "read", io.ErrUnexpectedEOF))
	recordSessionClose("binary", nil)
	recordSessionClose("json", server.ErrSendQueueFull)

	if got := testutil.ToFloat64(reads) - readsBefore; got != 1 {
		t.Errorf("websocket_errors_total(read) grew by %v, want 1", got)
	}
	if got := testutil.ToFloat64(writes) - writesBefore; got != 0 {
		t.Errorf("websocket_errors_total(write) grew by %v, want 0", got)
	}
}

func TestApplyServeFlags(t *testing.T) {
	cmd := serveCmd(&globalFlags{})
	if err := cmd.Flags().Parse([]string{"--max-sessions=0"}); err != nil {
		t.Fatal(err)
	}

	cfg := config.New()
	cfg.Server.MaxSessions = 10
	applyServeFlags(cmd, cfg, serveOptions{
		addr:      ":9000",
		tick:      250 * time.Millisecond,
		loopPath:  "/loop",
		noMetrics: true,
		tracing:   true,
	})

	if cfg.Server.Address != ":9000" {
		t.Errorf("Address = %q", cfg.Server.Address)
	}
	if cfg.Server.Path != config.DefaultPath {
		t.Errorf("Path = %q, want unchanged", cfg.Server.Path)
	}
	if cfg.Server.MaxSessions != 0 {
		t.Errorf("MaxSessions = %d, want 0 from an explicit flag", cfg.Server.MaxSessions)
	}
	if cfg.Signal.TickInterval.Std() != 250*time.Millisecond {
		t.Errorf("TickInterval = %v", cfg.Signal.TickInterval.Std())
	}
	if cfg.Signal.LoopPath != "/loop" || cfg.Metrics.Enabled || !cfg.Tracing.Enabled {
		t.Errorf("unexpected config: %+v %+v %+v", cfg.Signal, cfg.Metrics, cfg.Tracing)
	}
}

func TestRunInit(t *testing.T) {
	dir := t.TempDir()

	path, err := runInit(dir, false)
	if err != nil {
		t.Fatalf("runInit: %v", err)
	}
	if path != filepath.Join(dir, config.ConfigFileName) {
		t.Errorf("path = %q", path)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Signal.LoopPath != "/ws/loop" {
		t.Errorf("LoopPath = %q", cfg.Signal.LoopPath)
	}

	_, err = runInit(dir, false)
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Code != "E005" {
		t.Fatalf("second runInit = %v, want E005", err)
	}

	if _, err := runInit(dir, true); err != nil {
		t.Errorf("runInit with force: %v", err)
	}
}

func TestHandshakeErrorCodes(t *testing.T) {
	tests := []struct {
		status protocol.HandshakeStatus
		code   string
	}{
		{protocol.HandshakeVersionMismatch, "E120"},
		{protocol.HandshakeUnknownSignal, "E121"},
		{protocol.HandshakeServerBusy, "E122"},
		{protocol.HandshakeInvalidFormat, "E123"},
		{protocol.HandshakeInternalError, "E123"},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			he := &client.HandshakeError{Status: tt.status}
			var e *errors.Error
			err := handshakeError(he, "counter")
			if !stderrors.As(err, &e) {
				t.Fatalf("handshakeError = %T", err)
			}
			if e.Code != tt.code {
				t.Errorf("code = %s, want %s", e.Code, tt.code)
			}
			if !stderrors.Is(err, he) {
				t.Error("handshake error not wrapped")
			}
		})
	}
}

func TestRunWatchPrintsChanges(t *testing.T) {
	cfg := config.New()
	sig, err := signal.NewWithValue(cfg.Signal.Name, Counter{Value: 5})
	if err != nil {
		t.Fatal(err)
	}
	_, ts := newTestServer(t, cfg, sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		tk := time.NewTicker(20 * time.Millisecond)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				_, _ = sig.Update(func(c *Counter) { c.Value++ })
			}
		}
	}()

	var out bytes.Buffer
	opts := watchOptions{signal: cfg.Signal.Name, count: 3, backoff: 50 * time.Millisecond}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Server.Path
	err = runWatch(ctx, url, opts, &out, client.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("runWatch: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), out.String())
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "#") || !strings.Contains(line, `"value":`) {
			t.Errorf("unexpected line %q", line)
		}
	}
}

func TestRunWatchUnknownSignal(t *testing.T) {
	cfg := config.New()
	sig, err := signal.New[Counter](cfg.Signal.Name)
	if err != nil {
		t.Fatal(err)
	}
	_, ts := newTestServer(t, cfg, sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Server.Path
	opts := watchOptions{signal: "missing", backoff: 50 * time.Millisecond}
	err = runWatch(ctx, url, opts, io.Discard, client.WithLogger(discardLogger()))

	var e *errors.Error
	if !stderrors.As(err, &e) || e.Code != "E121" {
		t.Fatalf("runWatch = %v, want E121", err)
	}
}

func TestVersionShort(t *testing.T) {
	cmd := versionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--short"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if out.String() != version+"\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	dir := t.TempDir()
	path, err := runInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(&globalFlags{configPath: path, logLevel: "debug", logFormat: "json"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}

	_, err = loadConfig(&globalFlags{configPath: filepath.Join(dir, "missing.json")})
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Code != "E001" {
		t.Errorf("missing config = %v, want E001", err)
	}
}

func TestMain(m *testing.M) {
	errors.DisableColors()
	os.Exit(m.Run())
}

package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vango-dev/serversignal/internal/errors"
	"github.com/vango-dev/serversignal/pkg/server"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "serversignal.json"

	// DefaultAddress is the default listen address.
	DefaultAddress = ":8080"

	// DefaultPath is the default WebSocket path.
	DefaultPath = "/ws"

	// DefaultSignalName is the name of the demo signal published by serve.
	DefaultSignalName = "counter"
)

// Duration is a time.Duration written as a string such as "30s" in JSON.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"30s\": %s", data)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents serversignal.json.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Session SessionConfig `json:"session"`
	Signal  SignalConfig  `json:"signal"`
	Metrics MetricsConfig `json:"metrics"`
	Tracing TracingConfig `json:"tracing"`
	Log     LogConfig     `json:"log"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	// Address is the listen address (default: ":8080").
	Address string `json:"address,omitempty"`

	// Path is the WebSocket endpoint (default: "/ws").
	Path string `json:"path,omitempty"`

	// MaxSessions limits concurrent sessions; 0 means unlimited.
	MaxSessions int `json:"maxSessions,omitempty"`

	// AllowedOrigins lists origins accepted besides the server's own.
	// "*" accepts any origin.
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`

	ShutdownTimeout Duration `json:"shutdownTimeout,omitempty"`
}

// SessionConfig mirrors server.SessionConfig.
type SessionConfig struct {
	ReadTimeout       Duration `json:"readTimeout,omitempty"`
	WriteTimeout      Duration `json:"writeTimeout,omitempty"`
	HandshakeTimeout  Duration `json:"handshakeTimeout,omitempty"`
	HeartbeatInterval Duration `json:"heartbeatInterval,omitempty"`
	MaxMessageSize    int64    `json:"maxMessageSize,omitempty"`
	SendQueueSize     int      `json:"sendQueueSize,omitempty"`

	// PatchHistory is the number of update frames kept for replay. A nil
	// value means the default; 0 disables replay.
	PatchHistory *int `json:"patchHistory,omitempty"`

	Compression bool `json:"compression,omitempty"`
}

// SignalConfig configures the signal published by serve.
type SignalConfig struct {
	// Name is the published signal name (default: "counter").
	Name string `json:"name,omitempty"`

	// TickInterval is how often the demo signal changes (default: "1s").
	TickInterval Duration `json:"tickInterval,omitempty"`

	// LoopPath serves a per-connection text loop; empty disables it.
	LoopPath string `json:"loopPath,omitempty"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Path      string `json:"path,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool   `json:"enabled"`
	TracerName string `json:"tracerName,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error (default: "info").
	Level string `json:"level,omitempty"`

	// Format is text or json (default: "text").
	Format string `json:"format,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	history := server.DefaultSessionConfig().MaxPatchHistory
	cfg := &Config{
		Session: SessionConfig{PatchHistory: &history},
		Metrics: MetricsConfig{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads serversignal.json from dir.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from the specified file path. Missing
// fields take their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("E001").
				WithDetail("No " + filepath.Base(path) + " found in " + filepath.Dir(path))
		}
		return nil, errors.New("E002").Wrap(err)
	}

	cfg := New()
	cfg.Session.PatchHistory = nil
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, decodeError(path, data, err)
	}

	cfg.configPath = path
	cfg.applyDefaults()
	return cfg, nil
}

// decodeError points a JSON error at its position in the file.
func decodeError(path string, data []byte, err error) error {
	var offset int64 = -1
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case stderrors.As(err, &syntaxErr):
		offset = syntaxErr.Offset
	case stderrors.As(err, &typeErr):
		offset = typeErr.Offset
	}

	e := errors.New("E002").Wrap(err).WithSuggestion("Check that " + filepath.Base(path) + " is valid JSON")
	if offset >= 0 {
		line, col := position(data, offset)
		e.WithLocation(path, line, col)
	}
	return e
}

// position converts a byte offset to a 1-based line and column.
func position(data []byte, offset int64) (line, col int) {
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	line, col = 1, 1
	for _, b := range data[:offset] {
		if b == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return errors.Newf(errors.CategoryConfig, "no config path set")
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to the specified path.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.New("E003").Wrap(err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Newf(errors.CategoryConfig, "write %s", path).Wrap(err)
	}

	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return ""
	}
	return filepath.Dir(c.configPath)
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	srv := server.DefaultServerConfig()
	sess := server.DefaultSessionConfig()

	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Server.Path == "" {
		c.Server.Path = DefaultPath
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(srv.ShutdownTimeout)
	}

	if c.Session.ReadTimeout == 0 {
		c.Session.ReadTimeout = Duration(sess.ReadTimeout)
	}
	if c.Session.WriteTimeout == 0 {
		c.Session.WriteTimeout = Duration(sess.WriteTimeout)
	}
	if c.Session.HandshakeTimeout == 0 {
		c.Session.HandshakeTimeout = Duration(sess.HandshakeTimeout)
	}
	if c.Session.HeartbeatInterval == 0 {
		c.Session.HeartbeatInterval = Duration(sess.HeartbeatInterval)
	}
	if c.Session.MaxMessageSize == 0 {
		c.Session.MaxMessageSize = sess.MaxMessageSize
	}
	if c.Session.SendQueueSize == 0 {
		c.Session.SendQueueSize = sess.SendQueueSize
	}
	if c.Session.PatchHistory == nil {
		history := sess.MaxPatchHistory
		c.Session.PatchHistory = &history
	}

	if c.Signal.Name == "" {
		c.Signal.Name = DefaultSignalName
	}
	if c.Signal.TickInterval == 0 {
		c.Signal.TickInterval = Duration(time.Second)
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "serversignal"
	}
	if c.Tracing.TracerName == "" {
		c.Tracing.TracerName = "serversignal"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Server.Path, "/") {
		return errors.New("E003").
			WithDetail("server.path must start with \"/\", got " + fmt.Sprintf("%q", c.Server.Path))
	}
	if c.Server.MaxSessions < 0 {
		return errors.New("E003").WithDetail("server.maxSessions must not be negative")
	}
	if c.Signal.TickInterval <= 0 {
		return errors.New("E003").WithDetail("signal.tickInterval must be positive")
	}
	if c.Signal.LoopPath != "" && (c.Signal.LoopPath == c.Server.Path || !strings.HasPrefix(c.Signal.LoopPath, "/")) {
		return errors.New("E003").
			WithDetail("signal.loopPath must start with \"/\" and differ from server.path")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errors.New("E003").WithDetail("log.format must be \"text\" or \"json\", got " + fmt.Sprintf("%q", c.Log.Format))
	}
	if err := c.SessionConfig().Validate(); err != nil {
		return errors.New("E003").Wrap(err)
	}
	return nil
}

// SessionConfig converts the session section.
func (c *Config) SessionConfig() *server.SessionConfig {
	history := server.DefaultSessionConfig().MaxPatchHistory
	if c.Session.PatchHistory != nil {
		history = *c.Session.PatchHistory
	}
	return &server.SessionConfig{
		ReadTimeout:       c.Session.ReadTimeout.Std(),
		WriteTimeout:      c.Session.WriteTimeout.Std(),
		HandshakeTimeout:  c.Session.HandshakeTimeout.Std(),
		HeartbeatInterval: c.Session.HeartbeatInterval.Std(),
		MaxMessageSize:    c.Session.MaxMessageSize,
		SendQueueSize:     c.Session.SendQueueSize,
		MaxPatchHistory:   history,
		EnableCompression: c.Session.Compression,
	}
}

// ServerConfig converts the config to a server.ServerConfig. Hooks are
// left for the caller to set.
func (c *Config) ServerConfig(logger *slog.Logger) *server.ServerConfig {
	sc := server.DefaultServerConfig().
		WithAddress(c.Server.Address).
		WithPath(c.Server.Path).
		WithMaxSessions(c.Server.MaxSessions).
		WithSessionConfig(c.SessionConfig()).
		WithCheckOrigin(c.CheckOrigin()).
		WithLogger(logger)
	sc.ShutdownTimeout = c.Server.ShutdownTimeout.Std()
	return sc
}

// CheckOrigin accepts same-origin requests and the configured origins.
func (c *Config) CheckOrigin() func(*http.Request) bool {
	if len(c.Server.AllowedOrigins) == 0 {
		return server.SameOriginCheck
	}
	allowed := make(map[string]bool, len(c.Server.AllowedOrigins))
	for _, o := range c.Server.AllowedOrigins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.TrimSuffix(o, "/")] = true
	}
	return func(r *http.Request) bool {
		return allowed[r.Header.Get("Origin")] || server.SameOriginCheck(r)
	}
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, errors.New("E003").
			WithDetail(fmt.Sprintf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	return level, nil
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.LogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Exists checks if a config file exists in the given directory.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindConfig walks up from startDir and returns the path of the nearest
// serversignal.json.
func FindConfig(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if Exists(dir) {
			return filepath.Join(dir, ConfigFileName), nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("E001").
				WithDetail("No " + ConfigFileName + " found in " + startDir + " or any parent directory")
		}
		dir = parent
	}
}

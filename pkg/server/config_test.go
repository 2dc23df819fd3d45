package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDefaultSessionConfigValid(t *testing.T) {
	if err := DefaultSessionConfig().Validate(); err != nil {
		t.Fatalf("DefaultSessionConfig().Validate() = %v", err)
	}
}

func TestSessionConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SessionConfig)
	}{
		{"zero_heartbeat", func(c *SessionConfig) { c.HeartbeatInterval = 0 }},
		{"read_timeout_below_heartbeat", func(c *SessionConfig) { c.ReadTimeout = c.HeartbeatInterval }},
		{"zero_queue", func(c *SessionConfig) { c.SendQueueSize = 0 }},
		{"negative_history", func(c *SessionConfig) { c.MaxPatchHistory = -1 }},
		{"queue_smaller_than_history", func(c *SessionConfig) { c.SendQueueSize = c.MaxPatchHistory }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultSessionConfig()
			tc.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestServerConfigCloneIsDeep(t *testing.T) {
	orig := DefaultServerConfig()
	clone := orig.WithAddress(":9999").WithPath("/signal").WithMaxSessions(3)
	clone.SessionConfig.SendQueueSize = 1

	if orig.Address != ":8080" || orig.Path != "/ws" || orig.MaxSessions != 0 {
		t.Errorf("With* mutated the original: %+v", orig)
	}
	if orig.SessionConfig.SendQueueSize != 256 {
		t.Error("Clone shared SessionConfig with the original")
	}
	if clone.Address != ":9999" || clone.Path != "/signal" || clone.MaxSessions != 3 {
		t.Errorf("clone = %+v", clone)
	}
}

func TestWithSessionConfig(t *testing.T) {
	sc := DefaultSessionConfig()
	sc.HeartbeatInterval = time.Second
	c := DefaultServerConfig().WithSessionConfig(sc)
	sc.HeartbeatInterval = time.Hour

	if c.SessionConfig.HeartbeatInterval != time.Second {
		t.Error("WithSessionConfig should copy the session config")
	}
}

func TestSameOriginCheck(t *testing.T) {
	tests := []struct {
		name   string
		host   string
		origin string
		want   bool
	}{
		{"no_origin", "example.com", "", true},
		{"same_host", "example.com", "https://example.com", true},
		{"same_host_port", "localhost:8080", "http://localhost:8080", true},
		{"different_host", "example.com", "https://evil.com", false},
		{"different_port", "localhost:8080", "http://localhost:9090", false},
		{"suffix_attack", "example.com", "https://example.com.evil.com", false},
		{"garbage", "example.com", "://", false},
		{"null_origin", "example.com", "null", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tc.host
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			if got := SameOriginCheck(r); got != tc.want {
				t.Errorf("SameOriginCheck(origin=%q, host=%q) = %v, want %v", tc.origin, tc.host, got, tc.want)
			}
		})
	}
}

func TestParseCodec(t *testing.T) {
	tests := []struct {
		in      string
		want    Codec
		wantErr bool
	}{
		{"", CodecBinary, false},
		{"binary", CodecBinary, false},
		{"json", CodecJSON, false},
		{"xml", 0, true},
	}
	for _, tc := range tests {
		got, err := ParseCodec(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseCodec(%q) = %v, %v", tc.in, got, err)
		}
	}
	if CodecJSON.String() != "json" || CodecBinary.String() != "binary" {
		t.Error("Codec.String mismatch")
	}
}

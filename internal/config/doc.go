// Package config loads serversignal.json, the configuration file of the
// serversignal command.
//
// # Configuration File Structure
//
//	{
//	  "server": {
//	    "address": ":8080",
//	    "path": "/ws",
//	    "maxSessions": 1000,
//	    "allowedOrigins": ["https://app.example.com"],
//	    "shutdownTimeout": "30s"
//	  },
//	  "session": {
//	    "readTimeout": "60s",
//	    "heartbeatInterval": "30s",
//	    "sendQueueSize": 256,
//	    "patchHistory": 100
//	  },
//	  "signal": {
//	    "name": "counter",
//	    "tickInterval": "1s",
//	    "loopPath": "/ws/loop"
//	  },
//	  "metrics": {"enabled": true, "path": "/metrics"},
//	  "tracing": {"enabled": false},
//	  "log": {"level": "info", "format": "text"}
//	}
//
// Durations are strings accepted by time.ParseDuration. Omitted fields take
// the server package defaults. Parse errors carry the file position of the
// offending token.
package config

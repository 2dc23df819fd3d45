// Package middleware provides observability for signal broadcasts.
//
// # Prometheus Metrics
//
// The Prometheus middleware records every broadcast passing through a hub:
//
//   - serversignal_broadcasts_total: updates broadcast, by signal and status
//   - serversignal_broadcast_duration_seconds: fan-out duration
//   - serversignal_broadcast_recipients: sessions an update was queued for
//   - serversignal_update_frame_bytes: encoded update frame size
//   - serversignal_sessions_dropped_total: slow consumers closed
//
// Register it on a server:
//
//	srv := server.New(sig, cfg)
//	srv.Use(middleware.Prometheus())
//
// Session lifecycle metrics are fed from the server hooks:
//
//	cfg.OnSessionStart = func(_ context.Context, s *server.Session) {
//	    middleware.RecordSessionStart(s.Codec.String())
//	}
//	cfg.OnSessionClose = func(s *server.Session, err error) {
//	    middleware.RecordSessionClose(s.Codec.String(), err)
//	}
//
// Then expose them:
//
//	r.Handle("/metrics", promhttp.Handler())
//
// # OpenTelemetry
//
// OpenTelemetry starts one span per broadcast. TraceSink does the same for
// updates written through a signal.Sink, such as the per-connection loop:
//
//	server.LoopHandler(server.LoopConfig[Counter]{
//	    WrapSink: func(s signal.Sink) signal.Sink { return middleware.TraceSink(s) },
//	})
package middleware

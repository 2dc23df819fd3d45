// Package server publishes a signal to browsers and Go clients over WebSocket.
//
// A Server binds one signal.Source. Every committed update is encoded once
// and fanned out by a Hub to all connected sessions, so every client sees the
// same ordered stream of JSON Patch updates.
//
// # Sessions
//
// Each WebSocket connection is a Session with a bounded send queue and two
// goroutines:
//   - WriteLoop: the only writer; sends queued frames and heartbeat pings
//   - ReadLoop: handles acks, resync requests, pongs and client close
//
// The first write error closes the session. A session whose queue is full
// when an update is published is closed as a slow consumer; its client
// reconnects and catches up.
//
// # Codecs
//
// Binary clients (the default) send a ClientHello carrying the replica's last
// sequence and checksum. If the hub's patch history still holds every update
// after that sequence, the missed frames are replayed; otherwise the client
// receives a snapshot. The same logic answers a ResyncRequest sent when a
// client detects a gap or checksum mismatch.
//
// Text clients connect with ?codec=json. They receive the diff from the zero
// value to the current value, then every update as
//
//	{"name":"counter","patch":[{"op":"replace","path":"/value","value":3}]}
//
// with no sequencing.
//
// # Per-connection signals
//
// LoopHandler serves an independent Signal per connection, driven by a ticker
// and sent with Signal.With. The loop ends at the first failed send.
//
// # Example Usage
//
//	sig, _ := signal.New[Counter]("counter")
//	srv := server.New(sig, &server.ServerConfig{Address: ":8080"})
//	go func() {
//	    for range time.Tick(time.Second) {
//	        sig.Update(func(c *Counter) { c.Value++ })
//	    }
//	}()
//	srv.Run()
package server

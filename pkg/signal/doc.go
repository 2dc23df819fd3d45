// Package signal implements the diff-synchronization core of serversignal.
//
// A Signal is a typed value owned by the server. Every mutation goes through
// Update (or With, for a single connection) which marshals the value to JSON,
// diffs it against the previous snapshot and produces an Update carrying an
// RFC 6902 JSON Patch. A Replica is the client-side mirror: it applies the
// updates in the order they were produced and re-decodes the value.
//
// # Sequence numbers
//
// Updates produced by a Signal carry a sequence number starting at 1. The
// snapshot a Signal is created with has sequence 0. A Replica only accepts the
// update that directly follows its own sequence; anything newer is a gap and
// anything older is stale:
//
//	replica seq = 4
//	update  seq = 5  -> applied, replica seq = 5
//	update  seq = 5  -> ErrStaleUpdate (ignored)
//	update  seq = 7  -> ErrSequenceGap (caller must resync)
//
// Updates with sequence 0 are unsequenced and always applied. That is the
// shape of the plain {"name","patch"} message used by text-mode clients.
//
// # Checksums
//
// Each update can carry an xxhash checksum of the canonical JSON form of the
// value after the patch is applied. A Replica verifies it after applying the
// patch and rejects the update with ErrChecksumMismatch if the documents have
// diverged.
//
// # Usage
//
//	type Count struct {
//	    Value int `json:"value"`
//	}
//
//	count, err := signal.New[Count]("counter")
//	if err != nil {
//	    return err
//	}
//	count.Observe(func(u *signal.Update) {
//	    broadcast(u)
//	})
//	count.Update(func(c *Count) { c.Value++ })
//
//	// Client side
//	replica, _ := signal.NewReplica[Count]("counter")
//	if err := replica.Apply(u); err != nil {
//	    // resync
//	}
package signal

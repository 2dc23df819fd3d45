// Package protocol implements the wire formats used to carry signal updates
// over WebSocket connections.
//
// Two codecs are supported. The binary codec frames every message and adds
// sequencing, snapshots, acknowledgments and resync. The JSON text codec
// sends one {"name","patch"} object per update and is what a plain browser
// client consumes.
//
// # Wire Format
//
// All binary messages are framed with a 6-byte header:
//
//	┌─────────────┬──────────────┬───────────────────────────────┐
//	│ Frame Type  │ Flags        │ Payload Length                │
//	│ (1 byte)    │ (1 byte)     │ (4 bytes, big-endian)         │
//	└─────────────┴──────────────┴───────────────────────────────┘
//
// # Frame Types
//
//   - FrameHandshake (0x00): ClientHello / ServerHello
//   - FrameUpdate (0x01): Server → Client patch
//   - FrameSnapshot (0x02): Server → Client full document
//   - FrameControl (0x03): Ping, pong, resync request, close
//   - FrameAck (0x04): Client → Server last applied sequence
//   - FrameError (0x05): Error message
//
// # Encoding
//
//   - Varint: Compact encoding for sequence numbers (protobuf-style)
//   - Length-prefixed: Strings and JSON documents prefixed with varint length
//   - Big-endian: Fixed-width integers (uint16, uint64)
//
// # Handshake
//
//	Client                              Server
//	  │                                    │
//	  │──── ClientHello ─────────────────>│
//	  │     (version, signal, seq, sum)   │
//	  │                                    │
//	  │<──── ServerHello ─────────────────│
//	  │     (status, conn id, seq, time)  │
//	  │                                    │
//	  │<──── Snapshot or missed Updates ──│
//	  │<──── Update, Update, ... ─────────│
//
// A client reconnecting with a sequence the server still has in its history
// receives only the update frames it missed, flagged with FlagReplay.
// Otherwise it receives a snapshot.
//
// # Decoding limits
//
// Every length prefix is checked against the remaining input and an
// allocation limit, so a malicious frame cannot make the decoder allocate
// more than HardMaxAllocation bytes.
package protocol

// Package signaling maintains the duplex connection to the voice
// signaling servers and frames typed protocol messages on top of it.
//
// The package has two layers. Transport owns a websocket connection to
// one of several candidate endpoints, echoes heartbeats, detects stale
// connections and reconnects with jittered exponential backoff and
// endpoint failover. Stream sits above it, decoding newline-delimited
// JSON frames into typed call-signaling events (invite, answer, ringing,
// hangup, cancel) and offering typed publish helpers for the outbound
// message set.
package signaling

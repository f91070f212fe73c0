// Package call implements the per-call state machine tying together
// the signaling stream, the media session and the quality monitor.
//
// A Call moves through pending, connecting, ringing, open and closed,
// with a reconnecting detour while media recovery is in progress.
// Closed is terminal: every operation on a closed call is a silent
// no-op. Remote signaling events are routed into the call by its
// owner; local operations (Accept, Reject, Ignore, Disconnect, Mute,
// SendDigits) come from the application.
//
// Monitor warnings are translated into semantic warning names
// ("high-jitter", "low-mos", ...) and grouped into network-quality and
// audio-level channels before reaching the application.
package call

// Package monitor implements network and media quality monitoring for
// active voice calls.
//
// The monitor periodically samples a statistics source (typically the
// media session's peer connection), derives per-interval metrics such as
// packet loss fraction, jitter, round-trip time and mean opinion score,
// and evaluates configurable threshold rules against a rolling window of
// samples. Threshold crossings raise warnings; warnings clear with a
// debounce so a briefly-recovering metric does not flap.
//
// Design follows the established patterns of this codebase:
//   - Interface-based statistics source for testability
//   - Callback registration for sample, warning and error delivery
//   - Thread-safe operations with appropriate mutex usage
//   - TimeProvider seam for deterministic tests
package monitor

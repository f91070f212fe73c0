package monitor

import "errors"

// Sentinel errors for monitor operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrNoSource indicates Enable was called with no statistics source
	// and none was previously bound.
	ErrNoSource = errors.New("no statistics source bound")

	// ErrSourceBound indicates Enable was called with a different
	// statistics source while sampling is active. Disable first.
	ErrSourceBound = errors.New("a different statistics source is already bound")

	// ErrStatsFetch indicates the statistics source failed to produce a
	// report. The monitor disables itself when this occurs.
	ErrStatsFetch = errors.New("statistics fetch failed")
)

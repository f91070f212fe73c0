package monitor

// calculateMOS estimates a mean opinion score (1.0-5.0) from round-trip
// time, jitter (both milliseconds) and packet loss percentage using the
// simplified E-model R-factor reduction.
func calculateMOS(rtt, jitter, lossPercent float64) float64 {
	effectiveLatency := rtt + (jitter * 2) + 10

	var rFactor float64
	if effectiveLatency < 160 {
		rFactor = 93.2 - (effectiveLatency / 40)
	} else {
		rFactor = 93.2 - (effectiveLatency-120)/10
	}

	rFactor -= lossPercent * 2.5

	switch {
	case rFactor < 0:
		return 1
	case rFactor > 100:
		return 4.5
	}

	return 1 + (0.035 * rFactor) + (0.000007 * rFactor * (rFactor - 15) * (100 - rFactor))
}

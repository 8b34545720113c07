package oee

// correctCounter computes the monotonic delta between a previous raw
// counter reading and a new one, detecting rollover at the configured bit
// width (§4.8). A decrease smaller than minDecrease is treated as
// instrument noise (delta 0, not a rollover); a decrease at or above
// minDecrease with the previous value in the upper half of the counter's
// range is treated as a genuine rollover and the wraparound delta is
// returned; any other decrease is an anomalous reset, reported as delta 0
// with ok=false so the caller can log/count it without corrupting the
// running total.
func correctCounter(prev, next float64, bits int, minDecrease float64) (delta float64, ok bool) {
	if next >= prev {
		return next - prev, true
	}

	decrease := prev - next
	if decrease < minDecrease {
		return 0, true
	}

	maxVal := maxCounterValue(bits)
	if prev >= maxVal/2 {
		return (maxVal - prev) + next + 1, true
	}

	return 0, false
}

func maxCounterValue(bits int) float64 {
	switch bits {
	case 64:
		return 18446744073709551615.0
	default: // 32-bit default per §4.8
		return 4294967295.0
	}
}

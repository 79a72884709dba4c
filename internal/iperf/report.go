package iperf

// Metrics is the projection of an iperf3 JSON report the results endpoint
// exposes per test. TCP runs populate retransmits, UDP runs populate jitter
// and loss; the unfilled fields stay nil.
type Metrics struct {
	BitsPerSecond float64  `json:"bits_per_second"`
	Retransmits   *float64 `json:"retransmits,omitempty"`
	JitterMs      *float64 `json:"jitter_ms,omitempty"`
	LostPercent   *float64 `json:"lost_percent,omitempty"`
}

// Project extracts the throughput metrics from a decoded iperf3 report.
// It reads end.sum_sent.bits_per_second and end.sum_sent.retransmits, and
// for UDP end.sum.jitter_ms and end.sum.lost_percent. Returns nil when the
// report has no usable end section.
func Project(report map[string]any) *Metrics {
	end, ok := report["end"].(map[string]any)
	if !ok || len(end) == 0 {
		return nil
	}

	var m Metrics
	found := false

	if sumSent, ok := end["sum_sent"].(map[string]any); ok {
		if bps, ok := sumSent["bits_per_second"].(float64); ok {
			m.BitsPerSecond = bps
			found = true
		}
		if rt, ok := sumSent["retransmits"].(float64); ok {
			m.Retransmits = &rt
		}
	}

	if sum, ok := end["sum"].(map[string]any); ok {
		if !found {
			if bps, ok := sum["bits_per_second"].(float64); ok {
				m.BitsPerSecond = bps
				found = true
			}
		}
		if jitter, ok := sum["jitter_ms"].(float64); ok {
			m.JitterMs = &jitter
		}
		if lost, ok := sum["lost_percent"].(float64); ok {
			m.LostPercent = &lost
		}
	}

	if !found {
		return nil
	}
	return &m
}

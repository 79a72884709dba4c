package iperf

import (
	"encoding/json"
	"errors"
	"io"
)

// ErrNoReport is returned when a capture stream contains no decodable JSON
// object at all.
var ErrNoReport = errors.New("iperf: no json report in stream")

// SelectReport reads a stream of concatenated JSON objects, as produced by
// iperf3 -s -J across multiple client connections, and picks the most useful
// one: the first object with a non-empty end section (a completed test),
// otherwise the first with intervals (a partial test), otherwise the first
// object. A trailing decode error after at least one good object is ignored,
// since a killed server frequently truncates its last write.
func SelectReport(r io.Reader) (map[string]any, error) {
	dec := json.NewDecoder(r)

	var first, withIntervals map[string]any
	for {
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			if err == io.EOF {
				break
			}
			if first != nil || withIntervals != nil {
				break
			}
			return nil, ErrNoReport
		}

		if first == nil {
			first = obj
		}
		if end, ok := obj["end"].(map[string]any); ok && len(end) > 0 {
			return obj, nil
		}
		if withIntervals == nil {
			if iv, ok := obj["intervals"].([]any); ok && len(iv) > 0 {
				withIntervals = obj
			}
		}
	}

	if withIntervals != nil {
		return withIntervals, nil
	}
	if first != nil {
		return first, nil
	}
	return nil, ErrNoReport
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cl

import (
	"math"

	"github.com/pkg/errors"
)

// Earliest returns the earliest timestamp of the given kind among the events, or 0 if there are no events.
func Earliest(events []Event, info ProfilingInfo) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	earliest := int64(math.MaxInt64)
	for _, event := range events {
		t, err := event.ProfilingInfo(info)
		if err != nil {
			return 0, errors.WithMessagef(err, "failed to read %s timestamp", info)
		}
		earliest = min(earliest, t)
	}
	return earliest, nil
}

// Latest returns the latest timestamp of the given kind among the events, or 0 if there are no events.
func Latest(events []Event, info ProfilingInfo) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	latest := int64(math.MinInt64)
	for _, event := range events {
		t, err := event.ProfilingInfo(info)
		if err != nil {
			return 0, errors.WithMessagef(err, "failed to read %s timestamp", info)
		}
		latest = max(latest, t)
	}
	return latest, nil
}

// SpanNanoseconds returns the time between the earliest start and the latest end of the events.
// It is 0 for an empty set of events.
func SpanNanoseconds(events []Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	start, err := Earliest(events, ProfilingStart)
	if err != nil {
		return 0, err
	}
	end, err := Latest(events, ProfilingEnd)
	if err != nil {
		return 0, err
	}
	return end - start, nil
}

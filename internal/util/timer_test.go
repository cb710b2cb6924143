package util

import (
	"testing"
	"time"
)

func TestStopwatchLaps(t *testing.T) {
	sw := StartStopwatch()
	time.Sleep(2 * time.Millisecond)
	first := sw.Lap("infer")
	sw.Lap("store")

	laps := sw.Laps()
	if len(laps) != 2 {
		t.Fatalf("expected 2 laps got %d", len(laps))
	}
	if laps[0].Name != "infer" || laps[0].Duration != first {
		t.Fatalf("unexpected first lap %+v", laps[0])
	}
	if first < 2*time.Millisecond {
		t.Fatalf("expected lap of at least 2ms got %v", first)
	}
	if sw.Elapsed() < first {
		t.Fatalf("elapsed %v shorter than lap %v", sw.Elapsed(), first)
	}

	fields := sw.Fields()
	for _, key := range []string{"infer_ms", "store_ms", "total_ms"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("expected field %s in %v", key, fields)
		}
	}
}

func TestNilStopwatch(t *testing.T) {
	var sw *Stopwatch
	if sw.Lap("x") != 0 || sw.ElapsedMs() != 0 || sw.Laps() != nil {
		t.Fatalf("expected zero values from nil stopwatch")
	}
}

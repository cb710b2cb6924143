package util

import "time"

// Lap is a named span recorded by a Stopwatch.
type Lap struct {
	Name     string
	Duration time.Duration
}

// Stopwatch measures total elapsed time plus named laps between checkpoints.
// It is not safe for concurrent use.
type Stopwatch struct {
	start time.Time
	last  time.Time
	laps  []Lap
}

// StartStopwatch creates a stopwatch starting at the current time.
func StartStopwatch() *Stopwatch {
	now := time.Now()
	return &Stopwatch{start: now, last: now}
}

// Lap records the time since the previous lap (or start) under name.
func (s *Stopwatch) Lap(name string) time.Duration {
	if s == nil || s.start.IsZero() {
		return 0
	}
	now := time.Now()
	d := now.Sub(s.last)
	s.last = now
	s.laps = append(s.laps, Lap{Name: name, Duration: d})
	return d
}

// Laps returns the recorded laps in order.
func (s *Stopwatch) Laps() []Lap {
	if s == nil {
		return nil
	}
	return append([]Lap(nil), s.laps...)
}

// Elapsed returns the time since start.
func (s *Stopwatch) Elapsed() time.Duration {
	if s == nil || s.start.IsZero() {
		return 0
	}
	return time.Since(s.start)
}

// ElapsedMs returns the elapsed milliseconds since start.
func (s *Stopwatch) ElapsedMs() int64 {
	return s.Elapsed().Milliseconds()
}

// Fields flattens the laps into "<name>_ms" keys for structured logging.
func (s *Stopwatch) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, len(s.Laps())+1)
	for _, lap := range s.Laps() {
		fields[lap.Name+"_ms"] = lap.Duration.Milliseconds()
	}
	fields["total_ms"] = s.ElapsedMs()
	return fields
}

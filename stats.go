package tiercache

import "sync/atomic"

// Stats carries per-handle counters. All mutations and reads are gated by
// the enabled flag; a disabled Stats reads as all zeros. Enabling
// performance counters forces statistics on, since the counters feed them.
type Stats struct {
	enabled bool

	adds    atomic.Int64
	puts    atomic.Int64
	gets    atomic.Int64
	hits    atomic.Int64
	misses  atomic.Int64
	removes atomic.Int64
	clears  atomic.Int64
	items   atomic.Int64
}

// NewStats builds a counter set for one handle.
func NewStats(enableStatistics, enablePerformanceCounters bool) *Stats {
	return &Stats{enabled: enableStatistics || enablePerformanceCounters}
}

func (s *Stats) Enabled() bool { return s.enabled }

// OnAdd records a successful insert.
func (s *Stats) OnAdd() {
	if !s.enabled {
		return
	}
	s.adds.Add(1)
	s.items.Add(1)
}

// OnPut records a put; inserted distinguishes an insert from an overwrite.
func (s *Stats) OnPut(inserted bool) {
	if !s.enabled {
		return
	}
	s.puts.Add(1)
	if inserted {
		s.items.Add(1)
	}
}

// OnHit records a successful read.
func (s *Stats) OnHit() {
	if !s.enabled {
		return
	}
	s.gets.Add(1)
	s.hits.Add(1)
}

// OnMiss records a failed read.
func (s *Stats) OnMiss() {
	if !s.enabled {
		return
	}
	s.gets.Add(1)
	s.misses.Add(1)
}

// OnRemove records a user-invoked removal of a present key.
func (s *Stats) OnRemove() {
	if !s.enabled {
		return
	}
	s.removes.Add(1)
	s.items.Add(-1)
}

// OnEvict records an item the handle dropped on its own (expiry, pressure).
func (s *Stats) OnEvict() {
	if !s.enabled {
		return
	}
	s.items.Add(-1)
}

// OnClear records a clear and resets the item count.
func (s *Stats) OnClear() {
	if !s.enabled {
		return
	}
	s.clears.Add(1)
	s.items.Store(0)
}

// OnUpdate folds an update outcome into the counters. Every try is one
// internal read that hit, and the final write is one put. Keeping the
// tries in GetCalls and Hits keeps hit-ratio reporting consistent with
// how updates have always been counted.
func (s *Stats) OnUpdate(tries int) {
	if !s.enabled {
		return
	}
	s.gets.Add(int64(tries))
	s.hits.Add(int64(tries))
	s.puts.Add(1)
}

func (s *Stats) read(c *atomic.Int64) int64 {
	if !s.enabled {
		return 0
	}
	return c.Load()
}

func (s *Stats) AddCalls() int64    { return s.read(&s.adds) }
func (s *Stats) PutCalls() int64    { return s.read(&s.puts) }
func (s *Stats) GetCalls() int64    { return s.read(&s.gets) }
func (s *Stats) Hits() int64        { return s.read(&s.hits) }
func (s *Stats) Misses() int64      { return s.read(&s.misses) }
func (s *Stats) RemoveCalls() int64 { return s.read(&s.removes) }
func (s *Stats) ClearCalls() int64  { return s.read(&s.clears) }
func (s *Stats) Items() int64       { return s.read(&s.items) }

package tiercache

import "testing"

func TestStatsDisabledReadsZero(t *testing.T) {
	s := NewStats(false, false)
	s.OnAdd()
	s.OnHit()
	s.OnPut(true)
	if s.AddCalls() != 0 || s.Hits() != 0 || s.PutCalls() != 0 || s.Items() != 0 {
		t.Fatalf("disabled stats must read zero")
	}
}

func TestStatsPerformanceCountersForceStatistics(t *testing.T) {
	s := NewStats(false, true)
	if !s.Enabled() {
		t.Fatalf("performance counters must force statistics on")
	}
}

func TestStatsCounters(t *testing.T) {
	s := NewStats(true, false)
	s.OnAdd()
	s.OnAdd()
	s.OnPut(true)
	s.OnPut(false)
	s.OnHit()
	s.OnMiss()
	s.OnRemove()
	s.OnEvict()

	if got := s.AddCalls(); got != 2 {
		t.Fatalf("AddCalls = %d", got)
	}
	if got := s.PutCalls(); got != 2 {
		t.Fatalf("PutCalls = %d", got)
	}
	if got := s.GetCalls(); got != 2 {
		t.Fatalf("GetCalls = %d", got)
	}
	if s.Hits() != 1 || s.Misses() != 1 {
		t.Fatalf("hits/misses = %d/%d", s.Hits(), s.Misses())
	}
	// 2 adds + 1 insert-put - 1 remove - 1 evict
	if got := s.Items(); got != 1 {
		t.Fatalf("Items = %d", got)
	}

	s.OnClear()
	if s.Items() != 0 || s.ClearCalls() != 1 {
		t.Fatalf("clear did not reset items")
	}
}

// Updates count each try as one internal hit plus one final put; the
// convention keeps hit ratios stable for callers that chart them.
func TestStatsOnUpdateCountsTries(t *testing.T) {
	s := NewStats(true, false)
	s.OnUpdate(3)
	if s.GetCalls() != 3 || s.Hits() != 3 {
		t.Fatalf("tries must count toward gets and hits, got %d/%d", s.GetCalls(), s.Hits())
	}
	if s.PutCalls() != 1 {
		t.Fatalf("update must count one put, got %d", s.PutCalls())
	}
}

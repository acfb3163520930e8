package operation

import (
	"sync"
	"testing"
)

func TestTracker_MonotonicSuperseding(t *testing.T) {
	tr := NewTracker()

	var superseded []uint64
	tr.OnSupersede(func(id uint64) { superseded = append(superseded, id) })

	first := tr.Begin(KindLoadChapter)
	second := tr.Begin(KindSeek)

	if second.ID <= first.ID {
		t.Fatalf("Ids not increasing: %d then %d", first.ID, second.ID)
	}
	if tr.IsCurrent(first.ID) {
		t.Error("Superseded operation still current")
	}
	if !tr.IsCurrent(second.ID) {
		t.Error("New operation not current")
	}
	if first.Ctx.Err() == nil {
		t.Error("Superseded operation's context not cancelled")
	}
	if second.Ctx.Err() != nil {
		t.Error("Current operation's context cancelled")
	}
	if len(superseded) != 1 || superseded[0] != first.ID {
		t.Errorf("Supersede hook calls = %v, want [%d]", superseded, first.ID)
	}
}

func TestTracker_ApplyDropsStaleResults(t *testing.T) {
	tr := NewTracker()
	stale := tr.Begin(KindChangeVoice)
	current := tr.Begin(KindChangeRate)

	applied := ""
	if tr.Apply(stale.ID, func() { applied = "stale" }) {
		t.Error("Stale result applied")
	}
	if !tr.Apply(current.ID, func() { applied = "current" }) {
		t.Error("Current result dropped")
	}
	if applied != "current" {
		t.Errorf("Applied = %q, want current", applied)
	}
}

func TestTracker_Cancel(t *testing.T) {
	tr := NewTracker()
	op := tr.Begin(KindSeek)

	var hooked uint64
	tr.OnSupersede(func(id uint64) { hooked = id })

	if tr.Cancel(op.ID + 1) {
		t.Error("Cancelled an unknown operation")
	}
	if !tr.Cancel(op.ID) {
		t.Fatal("Cancel of current operation failed")
	}
	if op.Ctx.Err() == nil || tr.IsCurrent(op.ID) || hooked != op.ID {
		t.Errorf("Operation not fully cancelled (hooked %d)", hooked)
	}
	if tr.Cancel(op.ID) {
		t.Error("Cancelled the same operation twice")
	}
}

func TestTracker_ConcurrentBegin(t *testing.T) {
	tr := NewTracker()

	const n = 50
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- tr.Begin(KindSeek).ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	var highest uint64
	for id := range ids {
		if seen[id] {
			t.Fatalf("Duplicate id %d", id)
		}
		seen[id] = true
		if id > highest {
			highest = id
		}
	}
	if highest != n {
		t.Errorf("Highest id = %d, want %d", highest, n)
	}
	if tr.Current() != n {
		t.Errorf("Current = %d, want the newest id %d", tr.Current(), n)
	}
}

package sched

import (
	"testing"
	"time"
)

func TestFake_FiresInOrder(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	var got []int

	f.AfterFunc(300*time.Millisecond, func() { got = append(got, 3) })
	f.AfterFunc(100*time.Millisecond, func() { got = append(got, 1) })
	stopped := f.AfterFunc(200*time.Millisecond, func() { got = append(got, 2) })

	if !stopped.Stop() {
		t.Fatal("Stop on pending timer should return true")
	}

	f.Advance(299 * time.Millisecond)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("after 299ms got %v, want [1]", got)
	}

	f.Advance(time.Millisecond)
	if len(got) != 2 || got[1] != 3 {
		t.Fatalf("after 300ms got %v, want [1 3]", got)
	}
	if f.Pending() != 0 {
		t.Errorf("pending = %d, want 0", f.Pending())
	}
}

func TestFake_TimerArmedDuringAdvance(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	fired := 0

	f.AfterFunc(10*time.Millisecond, func() {
		fired++
		f.AfterFunc(10*time.Millisecond, func() { fired++ })
	})

	f.Advance(20 * time.Millisecond)
	if fired != 2 {
		t.Errorf("fired = %d, want 2", fired)
	}
}

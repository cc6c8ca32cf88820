package mcp_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/hyperengineering/farmsync/mcp"
)

func TestSession_Track_AssignsSequentialRefs(t *testing.T) {
	session := mcp.NewSession()

	for i, id := range []string{"T1", "T2", "T3"} {
		want := fmt.Sprintf("R%d", i+1)
		if got := session.Track(id); got != want {
			t.Errorf("Track(%q) = %q, want %q", id, got, want)
		}
	}
}

func TestSession_Track_ReturnsSameRefForDuplicate(t *testing.T) {
	session := mcp.NewSession()

	first := session.Track("T1")
	session.Track("T2")
	again := session.Track("T1")

	if first != again {
		t.Errorf("Track(T1) twice = %q and %q, want the same ref", first, again)
	}
	if len(session.All()) != 2 {
		t.Errorf("All() has %d entries, want 2", len(session.All()))
	}
}

func TestSession_Resolve(t *testing.T) {
	session := mcp.NewSession()
	ref := session.Track("01HZXQ4K")

	got, ok := session.Resolve(ref)
	if !ok || got != "01HZXQ4K" {
		t.Errorf("Resolve(%q) = %q, %v; want 01HZXQ4K, true", ref, got, ok)
	}
	if _, ok := session.Resolve("R99"); ok {
		t.Error("Resolve(R99) = true for an unknown ref")
	}
}

func TestSession_Lookup_PassesThroughTempIDs(t *testing.T) {
	session := mcp.NewSession()
	session.Track("T1")

	if got := session.Lookup("R1"); got != "T1" {
		t.Errorf("Lookup(R1) = %q, want T1", got)
	}
	if got := session.Lookup("01HZXQ4K"); got != "01HZXQ4K" {
		t.Errorf("Lookup(01HZXQ4K) = %q, want it unchanged", got)
	}
}

func TestSession_Clear_ResetsCounter(t *testing.T) {
	session := mcp.NewSession()
	session.Track("T1")
	session.Track("T2")

	session.Clear()

	if len(session.All()) != 0 {
		t.Error("All() not empty after Clear()")
	}
	if got := session.Track("T3"); got != "R1" {
		t.Errorf("Track() after Clear() = %q, want R1", got)
	}
}

func TestSession_ConcurrentTrack(t *testing.T) {
	session := mcp.NewSession()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session.Track(fmt.Sprintf("T%d", i%10))
		}(i)
	}
	wg.Wait()

	if got := len(session.All()); got != 10 {
		t.Errorf("All() has %d entries, want 10", got)
	}
}

package state

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"testing"
)

// New

func TestNew_InitialState(t *testing.T) {
	s := New()
	v, p := s.Read()
	if v != 0 {
		t.Fatalf("version = %d, want 0", v)
	}
	if p != "" {
		t.Fatalf("payload = %q, want empty", p)
	}
}

// Write / Read

func TestWrite_IncrementsVersionAndReplacesPayload(t *testing.T) {
	s := New()

	got := s.Write("X")
	if got != 1 {
		t.Fatalf("Write returned %d, want 1", got)
	}

	v, p := s.Read()
	if v != 1 || p != "X" {
		t.Fatalf("Read = (%d, %q), want (1, \"X\")", v, p)
	}
}

func TestWrite_Monotonicity(t *testing.T) {
	s := New()
	before := s.Version()

	const n = 250
	for i := 0; i < n; i++ {
		s.Write("payload-" + strconv.Itoa(i))
	}

	v, p := s.Read()
	if v != before+n {
		t.Fatalf("version = %d, want %d", v, before+n)
	}
	if p != "payload-"+strconv.Itoa(n-1) {
		t.Fatalf("payload = %q, want last written", p)
	}
}

func TestWrite_SamePayloadStillBumpsVersion(t *testing.T) {
	s := New()
	s.Write("X")
	s.Write("X")

	if v := s.Version(); v != 2 {
		t.Fatalf("version = %d, want 2", v)
	}
}

func TestWrite_EmptyPayload(t *testing.T) {
	s := New()
	s.Write("X")
	s.Write("")

	v, p := s.Read()
	if v != 2 || p != "" {
		t.Fatalf("Read = (%d, %q), want (2, \"\")", v, p)
	}
}

func TestWrite_WrapsToZero(t *testing.T) {
	s := &Store{version: math.MaxUint32, payload: "old"}

	got := s.Write("new")
	if got != 0 {
		t.Fatalf("Write at MaxUint32 returned %d, want 0", got)
	}
	v, p := s.Read()
	if v != 0 || p != "new" {
		t.Fatalf("Read = (%d, %q), want (0, \"new\")", v, p)
	}

	// and keeps counting from there
	if got := s.Write("next"); got != 1 {
		t.Fatalf("Write after wrap returned %d, want 1", got)
	}
}

func TestWrite_NearMaxModularCount(t *testing.T) {
	s := &Store{version: math.MaxUint32 - 2}
	for iter := 0; iter < 5; iter++ {
		s.Write("x")
	}
	// MaxUint32-2 + 5 wraps to 2
	if v := s.Version(); v != 2 {
		t.Fatalf("version = %d, want 2", v)
	}
}

// Snapshot

func TestSnapshot_MatchesRead(t *testing.T) {
	s := New()
	s.Write("hello")

	snap := s.Snapshot()
	v, p := s.Read()
	if snap.Version != v || snap.Payload != p {
		t.Fatalf("Snapshot = %+v, Read = (%d, %q)", snap, v, p)
	}
}

// Concurrency

func TestConcurrentWriters_AllCounted(t *testing.T) {
	s := New()

	const writers = 16
	const perWriter = 500

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				s.Write(fmt.Sprintf("w%d-%d", w, i))
			}
		}()
	}
	wg.Wait()

	if v := s.Version(); v != writers*perWriter {
		t.Fatalf("version = %d, want %d", v, writers*perWriter)
	}
}

func TestConcurrentReaders_NoTearing(t *testing.T) {
	s := New()

	// payload always encodes the version it was written at, so a torn
	// read would show a mismatch
	var writeMu sync.Mutex
	write := func() {
		writeMu.Lock()
		defer writeMu.Unlock()
		next := s.Version() + 1
		s.Write(strconv.FormatUint(uint64(next), 10))
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan string, 8)

	for iter := 0; iter < 8; iter++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				v, p := s.Read()
				if v == 0 {
					if p != "" {
						errs <- fmt.Sprintf("version 0 with payload %q", p)
						return
					}
					continue
				}
				if p != strconv.FormatUint(uint64(v), 10) {
					errs <- fmt.Sprintf("torn read: version %d payload %q", v, p)
					return
				}
			}
		}()
	}

	for iter := 0; iter < 2000; iter++ {
		write()
	}
	close(done)
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Fatal(e)
	}
}

func TestConcurrentWriters_LastWriteWins(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	for _, p := range []string{"X", "Y"} {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Write(p)
		}()
	}
	wg.Wait()

	v, p := s.Read()
	if v != 2 {
		t.Fatalf("version = %d, want 2", v)
	}
	if p != "X" && p != "Y" {
		t.Fatalf("payload = %q, want one of the written values", p)
	}
}

package registry

import "testing"

type fakeEntry struct {
	id          string
	terminated  bool
	queueNonEmp bool
}

func (f *fakeEntry) ID() string          { return f.id }
func (f *fakeEntry) QueueNonEmpty() bool { return f.queueNonEmp }
func (f *fakeEntry) RequestWritable()    {}
func (f *fakeEntry) Terminate()          { f.terminated = true }

func TestRegisterRemoveCount(t *testing.T) {
	r := New(false, 0)
	a := &fakeEntry{id: "a"}
	b := &fakeEntry{id: "b"}
	r.Register(a)
	r.Register(b)
	if got := r.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
	r.Remove("a")
	if got := r.Count(); got != 1 {
		t.Fatalf("Count() after Remove = %d, want 1", got)
	}
	r.Remove("a") // idempotent
	if got := r.Count(); got != 1 {
		t.Fatalf("Count() after duplicate Remove = %d, want 1", got)
	}
}

func TestAdmitOnceMode(t *testing.T) {
	r := New(true, 0)
	if !r.Admit() {
		t.Fatal("first Admit() under --once should succeed")
	}
	r.Register(&fakeEntry{id: "a"})
	if r.Admit() {
		t.Fatal("second Admit() under --once with a live session should fail")
	}
}

func TestAdmitMaxClients(t *testing.T) {
	r := New(false, 1)
	if !r.Admit() {
		t.Fatal("Admit() under max-clients=1 with no sessions should succeed")
	}
	r.Register(&fakeEntry{id: "a"})
	if r.Admit() {
		t.Fatal("Admit() at max-clients should fail")
	}
	r.Remove("a")
	if !r.Admit() {
		t.Fatal("Admit() should succeed again after a slot frees up")
	}
}

func TestAdmitReservesCapacityBeforeRegister(t *testing.T) {
	// Mirrors what two concurrent handshakes do: both call Admit() before
	// either has constructed a Session to Register. Without reserving
	// capacity at Admit time, both would see count==0 and both succeed.
	r := New(false, 1)
	if !r.Admit() {
		t.Fatal("first Admit() should succeed")
	}
	if r.Admit() {
		t.Fatal("second concurrent Admit() must fail once the first reserved the only slot")
	}
	r.Register(&fakeEntry{id: "a"})
	if got := r.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}
}

func TestAdmitOnceModeConcurrentReservation(t *testing.T) {
	r := New(true, 0)
	if !r.Admit() {
		t.Fatal("first Admit() under --once should succeed")
	}
	if r.Admit() {
		t.Fatal("second concurrent Admit() under --once must fail before the first session is even registered")
	}
}

func TestRelease(t *testing.T) {
	r := New(false, 1)
	if !r.Admit() {
		t.Fatal("Admit() should succeed")
	}
	r.Release()
	if !r.Admit() {
		t.Fatal("Admit() should succeed again after the reservation was released")
	}
}

func TestAdmitAfterShutdown(t *testing.T) {
	r := New(false, 0)
	r.Shutdown()
	if r.Admit() {
		t.Fatal("Admit() after Shutdown() should always fail")
	}
	if !r.IsShutdown() {
		t.Fatal("IsShutdown() should report true after Shutdown()")
	}
}

func TestShutdownTerminatesLiveSessions(t *testing.T) {
	r := New(false, 0)
	a := &fakeEntry{id: "a"}
	b := &fakeEntry{id: "b"}
	r.Register(a)
	r.Register(b)
	r.Shutdown()
	if !a.terminated || !b.terminated {
		t.Fatalf("expected both sessions terminated, got a=%v b=%v", a.terminated, b.terminated)
	}
}

func TestForEachLive(t *testing.T) {
	r := New(false, 0)
	r.Register(&fakeEntry{id: "a", queueNonEmp: true})
	r.Register(&fakeEntry{id: "b"})

	writable := 0
	r.ForEachLive(func(e Entry) {
		if e.QueueNonEmpty() {
			writable++
		}
	})
	if writable != 1 {
		t.Fatalf("writable count = %d, want 1", writable)
	}
}

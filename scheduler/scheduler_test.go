package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/chris/webtty/registry"
)

type fakeEntry struct {
	id           string
	nonEmpty     bool
	writeRequest chan struct{}
}

func (f *fakeEntry) ID() string          { return f.id }
func (f *fakeEntry) QueueNonEmpty() bool { return f.nonEmpty }
func (f *fakeEntry) RequestWritable() {
	select {
	case f.writeRequest <- struct{}{}:
	default:
	}
}
func (f *fakeEntry) Terminate() {}

func TestRunNotifiesOnlyNonEmptyQueues(t *testing.T) {
	reg := registry.New(false, 0)
	quiet := &fakeEntry{id: "quiet", writeRequest: make(chan struct{}, 1)}
	busy := &fakeEntry{id: "busy", nonEmpty: true, writeRequest: make(chan struct{}, 1)}
	reg.Register(quiet)
	reg.Register(busy)

	sched := New(reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	select {
	case <-busy.writeRequest:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the busy session to be asked to become writable")
	}

	select {
	case <-quiet.writeRequest:
		t.Fatal("the quiet session should never be asked to become writable")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	reg := registry.New(false, 0)
	sched := New(reg)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunStopsOnRegistryShutdown(t *testing.T) {
	reg := registry.New(false, 0)
	sched := New(reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	reg.Shutdown()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after registry shutdown")
	}
}

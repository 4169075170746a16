// Package scheduler is the Go remodel of the source's single cooperative
// libwebsockets poll loop (§4.5, §2 component 5): it never performs I/O
// itself, it only notices which sessions have output pending and asks
// them to become writable.
package scheduler

import (
	"context"
	"time"

	"github.com/chris/webtty/registry"
)

// PollInterval matches the "short interval (e.g. 10ms)" the source's
// event loop services network I/O for between housekeeping sweeps.
const PollInterval = 10 * time.Millisecond

// Scheduler periodically sweeps a Registry for writable sessions.
type Scheduler struct {
	reg *registry.Registry
}

// New builds a Scheduler over reg.
func New(reg *registry.Registry) *Scheduler {
	return &Scheduler{reg: reg}
}

// Run sweeps the registry every PollInterval until ctx is canceled or the
// registry reports shutdown. Each live session whose output queue is
// non-empty is asked to become writable; the actual write happens on that
// session's own writer goroutine, never here.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.reg.IsShutdown() {
				return
			}
			s.reg.ForEachLive(func(e registry.Entry) {
				if e.QueueNonEmpty() {
					e.RequestWritable()
				}
			})
		}
	}
}

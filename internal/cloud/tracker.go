package cloud

import (
	"sync"
	"time"

	"imagetest/pkg/logging"
)

// Tracker records every cloud-side resource a scenario creates. Cleanup
// consumes the tracker; anything still listed when the scenario ends is
// a leak and a test-suite bug, not just an operational nuisance.
type Tracker struct {
	mu        sync.Mutex
	resources []Resource
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Add records a freshly created resource.
func (t *Tracker) Add(kind ResourceKind, id string) Resource {
	res := Resource{Kind: kind, ID: id, CreatedAt: time.Now()}
	t.mu.Lock()
	t.resources = append(t.resources, res)
	t.mu.Unlock()
	logging.Debug("Cloud", "tracking %s", res)
	return res
}

// List returns a snapshot of the tracked resources, newest last.
func (t *Tracker) List() []Resource {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Resource, len(t.resources))
	copy(out, t.resources)
	return out
}

// Len reports how many resources are still tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.resources)
}

// Drain removes and returns all tracked resources in teardown order:
// newest first, so instances go before the images they boot from.
func (t *Tracker) Drain() []Resource {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Resource, 0, len(t.resources))
	for i := len(t.resources) - 1; i >= 0; i-- {
		out = append(out, t.resources[i])
	}
	t.resources = nil
	return out
}

// Restore puts resources back, used when teardown failed to delete them
// and the scenario must report them as leaked.
func (t *Tracker) Restore(resources []Resource) {
	if len(resources) == 0 {
		return
	}
	t.mu.Lock()
	t.resources = append(t.resources, resources...)
	t.mu.Unlock()
}

package client

import (
	"sort"
	"time"
)

// Timer is a cancelable pending callback.
type Timer interface {
	Stop() bool
}

// Scheduler abstracts timer creation so delay-dependent behavior is
// deterministically testable.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// WallScheduler is the production scheduler backed by the runtime
// timer heap.
type WallScheduler struct{}

func (WallScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

func keysOf(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortStrings(s []string) {
	sort.Strings(s)
}

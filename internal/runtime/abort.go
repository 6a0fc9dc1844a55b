package runtime

import "sync"

// abortRegistry holds cleanup actions of requests still being served,
// keyed by trace id.
type abortRegistry struct {
	mu      sync.Mutex
	actions map[string][]func()
}

func newAbortRegistry() *abortRegistry {
	return &abortRegistry{actions: make(map[string][]func())}
}

// Register adds action for traceID. Actions registered for a trace that is
// not in flight are dropped.
func (a *abortRegistry) Register(traceID string, action func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.actions[traceID]; !ok {
		return
	}
	a.actions[traceID] = append(a.actions[traceID], action)
}

// begin starts tracking traceID.
func (a *abortRegistry) begin(traceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions[traceID] = nil
}

// finish stops tracking traceID and returns its actions.
func (a *abortRegistry) finish(traceID string) []func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	actions := a.actions[traceID]
	delete(a.actions, traceID)
	return actions
}

// abort runs and forgets the actions of traceID.
func (a *abortRegistry) abort(traceID string) int {
	actions := a.finish(traceID)
	for _, action := range actions {
		action()
	}
	return len(actions)
}

func (a *abortRegistry) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.actions)
}

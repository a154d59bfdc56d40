package dispatcher

import "sync"

// initState is the cache-initialization state machine of spec §4.5:
// UNINIT -> INITIALIZING -> READY, and READY -> DISABLED on a fatal
// store error surfacing from the Coherence Engine.
type initState int32

const (
	stateUninit initState = iota
	stateInitializing
	stateReady
	stateDisabled
)

// initGate runs a one-shot initializer lazily on the first attribute
// query or read, letting every other concurrent caller block on the
// same attempt rather than racing to open the stores twice.
type initGate struct {
	mu    sync.Mutex
	state initState
	err   error
}

// ensure runs init exactly once across all callers. Callers that arrive
// while another is initializing block until it finishes and then share
// its result.
func (g *initGate) ensure(init func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case stateReady, stateDisabled:
		return g.err
	}

	g.state = stateInitializing
	g.err = init()
	if g.err != nil {
		g.state = stateDisabled
	} else {
		g.state = stateReady
	}
	return g.err
}

// disable forces the gate straight to DISABLED, for a fatal error
// observed after initialization already succeeded.
func (g *initGate) disable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = stateDisabled
}

func (g *initGate) disabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == stateDisabled
}

package backend

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned when a state machine is asked to move
// along an edge it does not have.
var ErrInvalidTransition = errors.New("invalid state transition")

// CoreState tracks whether a backend's core model set is usable.
type CoreState int

const (
	// CoreNotStarted indicates the core has not been looked at yet.
	CoreNotStarted CoreState = iota
	// CoreDownloading indicates an installer is fetching core assets.
	CoreDownloading
	// CoreExtracting indicates an installer is unpacking core assets.
	CoreExtracting
	// CoreVerifying indicates the required core files are being checked.
	CoreVerifying
	// CoreLoaded indicates the core files are installed and verified.
	CoreLoaded
	// CoreReady indicates the engine is initialized in memory.
	CoreReady
	// CoreFailed indicates the last install or load attempt failed.
	CoreFailed
)

// String returns the string representation of the state.
func (s CoreState) String() string {
	switch s {
	case CoreNotStarted:
		return "notStarted"
	case CoreDownloading:
		return "downloading"
	case CoreExtracting:
		return "extracting"
	case CoreVerifying:
		return "verifying"
	case CoreLoaded:
		return "loaded"
	case CoreReady:
		return "ready"
	case CoreFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// VoiceState tracks whether one voice of a backend may be dispatched to.
type VoiceState int

const (
	VoiceChecking VoiceState = iota
	VoiceCoreRequired
	VoiceCoreLoading
	VoiceReady
	VoiceError
)

// String returns the string representation of the state.
func (s VoiceState) String() string {
	switch s {
	case VoiceChecking:
		return "checking"
	case VoiceCoreRequired:
		return "coreRequired"
	case VoiceCoreLoading:
		return "coreLoading"
	case VoiceReady:
		return "voiceReady"
	case VoiceError:
		return "error"
	default:
		return "unknown"
	}
}

// StateMachine manages transitions between states of type S.
type StateMachine[S comparable] struct {
	mu          sync.Mutex
	current     S
	transitions map[S][]S
	onEnter     map[S]func()
}

// NewCoreStateMachine creates the core readiness machine.
func NewCoreStateMachine() *StateMachine[CoreState] {
	return &StateMachine[CoreState]{
		current: CoreNotStarted,
		transitions: map[CoreState][]CoreState{
			CoreNotStarted:  {CoreDownloading, CoreVerifying, CoreFailed},
			CoreDownloading: {CoreExtracting, CoreFailed},
			CoreExtracting:  {CoreVerifying, CoreFailed},
			CoreVerifying:   {CoreLoaded, CoreFailed},
			CoreLoaded:      {CoreReady, CoreVerifying, CoreFailed},
			CoreReady:       {CoreLoaded, CoreFailed},
			CoreFailed:      {CoreDownloading, CoreVerifying},
		},
		onEnter: make(map[CoreState]func()),
	}
}

// NewVoiceStateMachine creates a voice readiness machine.
func NewVoiceStateMachine() *StateMachine[VoiceState] {
	return &StateMachine[VoiceState]{
		current: VoiceChecking,
		transitions: map[VoiceState][]VoiceState{
			VoiceChecking:     {VoiceCoreRequired, VoiceCoreLoading, VoiceReady, VoiceError},
			VoiceCoreRequired: {VoiceChecking},
			VoiceCoreLoading:  {VoiceReady, VoiceError, VoiceChecking},
			VoiceReady:        {VoiceChecking},
			VoiceError:        {VoiceChecking},
		},
		onEnter: make(map[VoiceState]func()),
	}
}

// Transition attempts to move to the specified state.
func (sm *StateMachine[S]) Transition(to S) error {
	sm.mu.Lock()
	from := sm.current
	valid := false
	for _, state := range sm.transitions[from] {
		if state == to {
			valid = true
			break
		}
	}
	if !valid {
		sm.mu.Unlock()
		return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, from, to)
	}
	sm.current = to
	enterFn := sm.onEnter[to]
	sm.mu.Unlock()

	if enterFn != nil {
		enterFn()
	}
	return nil
}

// CanTransition reports whether the edge current -> to exists.
func (sm *StateMachine[S]) CanTransition(to S) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, state := range sm.transitions[sm.current] {
		if state == to {
			return true
		}
	}
	return false
}

// Current returns the current state.
func (sm *StateMachine[S]) Current() S {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// OnEnter registers a callback for entering a state.
func (sm *StateMachine[S]) OnEnter(state S, fn func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onEnter[state] = fn
}

package backend

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sahilm/fuzzy"

	"github.com/dgnsrekt/speakahead/internal/synth"
)

// ErrNamespaceConflict is returned when two adapters claim overlapping
// voice id namespaces.
var ErrNamespaceConflict = errors.New("voice namespace already claimed")

// Registry resolves voice ids to the adapter owning their namespace.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
}

// NewRegistry creates a registry holding adapters.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an adapter. Its voices must not be owned by any adapter
// already registered.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.adapters {
		if existing.Type() == a.Type() {
			return fmt.Errorf("%w: backend %s registered twice", ErrNamespaceConflict, a.Type())
		}
		for _, id := range a.Voices() {
			if existing.Owns(id) {
				return fmt.Errorf("%w: %s is owned by %s", ErrNamespaceConflict, id, existing.Type())
			}
		}
	}
	r.adapters = append(r.adapters, a)
	return nil
}

// Resolve returns the adapter owning voiceID. An unknown voice fails with
// modelMissing and suggests the closest known voice ids.
func (r *Registry) Resolve(voiceID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.adapters {
		if a.Owns(voiceID) {
			return a, nil
		}
	}

	err := synth.NewError(synth.KindModelMissing, synth.StageVoiceCheck,
		fmt.Sprintf("no backend serves voice %q", voiceID), nil)
	if suggestions := r.suggestLocked(voiceID, 3); len(suggestions) > 0 {
		err = err.WithRemedy("did you mean " + strings.Join(suggestions, ", ") + "?")
	}
	return nil, err
}

// Suggest returns up to n known voice ids that fuzzily match query.
func (r *Registry) Suggest(query string, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.suggestLocked(query, n)
}

func (r *Registry) suggestLocked(query string, n int) []string {
	var all []string
	for _, a := range r.adapters {
		all = append(all, a.Voices()...)
	}

	// Match on the part after the namespace so a wrong prefix still finds
	// the intended voice.
	if i := strings.IndexByte(query, ':'); i >= 0 {
		query = query[i+1:]
	}
	if query == "" {
		return nil
	}

	matches := fuzzy.Find(query, all)
	out := make([]string, 0, n)
	for _, m := range matches {
		if len(out) == n {
			break
		}
		out = append(out, m.Str)
	}
	return out
}

// Adapters returns every registered adapter.
func (r *Registry) Adapters() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Adapter(nil), r.adapters...)
}

// ByType returns the adapter of the given backend type.
func (r *Registry) ByType(typ string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		if a.Type() == typ {
			return a, true
		}
	}
	return nil, false
}

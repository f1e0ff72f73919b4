package dispatch

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mudtools/MudFeishu-sub002/errors"
)

// Mode selects how many handlers a Registry accepts per event type.
type Mode int

const (
	// ModeSingle accepts exactly one handler per event type.
	ModeSingle Mode = iota
	// ModeMulti accepts any number of handlers per event type.
	ModeMulti
)

func (m Mode) String() string {
	if m == ModeMulti {
		return "multi"
	}
	return "single"
}

// ID identifies one registration.
type ID uint64

type registration struct {
	id      ID
	handler Handler
}

type table map[string][]registration

// Registry maps event types to handlers. Resolve reads an immutable snapshot without
// locking; writers serialize on a mutex and publish a fresh copy.
type Registry struct {
	mode     Mode
	mu       sync.Mutex
	snapshot atomic.Pointer[table]
	nextID   atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(mode Mode) *Registry {
	r := &Registry{mode: mode}
	empty := table{}
	r.snapshot.Store(&empty)
	return r
}

// Mode returns the registration mode.
func (r *Registry) Mode() Mode {
	return r.mode
}

// Register adds handler for eventType.
func (r *Registry) Register(eventType string, handler Handler) (ID, error) {
	if eventType == "" {
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "event type validation")
	}
	if handler == nil {
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "handler validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	if r.mode == ModeSingle && len(current[eventType]) > 0 {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrHandlerExists, eventType),
			"Registry", "Register", "duplicate handler check")
	}

	id := ID(r.nextID.Add(1))
	next := current.clone()
	next[eventType] = append(slices.Clone(current[eventType]), registration{id: id, handler: handler})
	r.snapshot.Store(&next)
	return id, nil
}

// MustRegister is Register that panics on error. For static startup wiring.
func (r *Registry) MustRegister(eventType string, handler Handler) ID {
	id, err := r.Register(eventType, handler)
	if err != nil {
		panic(err)
	}
	return id
}

// Unregister removes a single registration. Returns false if id is unknown.
func (r *Registry) Unregister(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	for eventType, regs := range current {
		idx := slices.IndexFunc(regs, func(reg registration) bool { return reg.id == id })
		if idx < 0 {
			continue
		}
		next := current.clone()
		remaining := slices.Delete(slices.Clone(regs), idx, idx+1)
		if len(remaining) == 0 {
			delete(next, eventType)
		} else {
			next[eventType] = remaining
		}
		r.snapshot.Store(&next)
		return true
	}
	return false
}

// UnregisterAll removes every handler for eventType and returns how many there were.
func (r *Registry) UnregisterAll(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	n := len(current[eventType])
	if n == 0 {
		return 0
	}
	next := current.clone()
	delete(next, eventType)
	r.snapshot.Store(&next)
	return n
}

// Resolve implements Resolver. The returned slice is owned by the caller.
func (r *Registry) Resolve(eventType string) []Handler {
	regs := (*r.snapshot.Load())[eventType]
	if len(regs) == 0 {
		return nil
	}
	handlers := make([]Handler, len(regs))
	for i, reg := range regs {
		handlers[i] = reg.handler
	}
	return handlers
}

// EventTypes returns the registered event types, sorted.
func (r *Registry) EventTypes() []string {
	current := *r.snapshot.Load()
	types := make([]string, 0, len(current))
	for eventType := range current {
		types = append(types, eventType)
	}
	sort.Strings(types)
	return types
}

// Len returns the total number of registrations.
func (r *Registry) Len() int {
	n := 0
	for _, regs := range *r.snapshot.Load() {
		n += len(regs)
	}
	return n
}

// clone copies the map; handler slices are shared and must not be mutated in place.
func (t table) clone() table {
	next := make(table, len(t)+1)
	for k, v := range t {
		next[k] = v
	}
	return next
}

package workflow

import (
	"errors"
	"fmt"
)

// ErrMissingBinding means a step tried to read an identifier no earlier
// step bound. That is a programming error in the step order, never a
// runtime condition to retry.
var ErrMissingBinding = errors.New("workflow: missing binding")

// Bindings is the per-session table mapping symbolic names (merchant_id,
// program_id, ...) to the opaque server-assigned identifiers earlier steps
// produced. One workflow instance owns its table exclusively; it is never
// shared across sessions.
type Bindings struct {
	vals  map[string]string
	lists map[string][]string
}

func NewBindings() *Bindings {
	return &Bindings{
		vals:  make(map[string]string),
		lists: make(map[string][]string),
	}
}

// Set binds name to a single identifier.
func (b *Bindings) Set(name, id string) {
	b.vals[name] = id
}

// Get returns the identifier bound to name.
func (b *Bindings) Get(name string) (string, error) {
	id, ok := b.vals[name]
	if !ok || id == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingBinding, name)
	}
	return id, nil
}

// Has reports whether name is bound.
func (b *Bindings) Has(name string) bool {
	_, ok := b.vals[name]
	return ok
}

// Append adds an identifier to the list bound to name.
func (b *Bindings) Append(name, id string) {
	b.lists[name] = append(b.lists[name], id)
}

// List returns all identifiers appended under name, in insertion order.
func (b *Bindings) List(name string) []string {
	return b.lists[name]
}

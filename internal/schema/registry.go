// Package schema declares the store collections and the ordered, idempotent
// steps that upgrade stored documents from one schema version to the next.
package schema

import (
	"errors"
	"fmt"

	"pericia/pkg/domain"
)

// ErrDowngrade is returned when an upgrade is asked to move backwards.
var ErrDowngrade = errors.New("schema downgrade not supported")

// Step moves the store to Version. Apply must be idempotent: a step that
// finds its target state already present does nothing.
type Step struct {
	Version int
	Name    string
	Apply   func(tx domain.Tx) error
}

// Registry is the ordered list of steps plus the collections the current
// version requires.
type Registry struct {
	steps       []Step
	collections []domain.Collection
}

// New validates that steps are numbered 1..n without gaps.
func New(collections []domain.Collection, steps ...Step) (*Registry, error) {
	for i, step := range steps {
		if step.Version != i+1 {
			return nil, fmt.Errorf("step %q has version %d, want %d", step.Name, step.Version, i+1)
		}
		if step.Apply == nil {
			return nil, fmt.Errorf("step %q has no apply func", step.Name)
		}
	}
	return &Registry{
		steps:       append([]Step(nil), steps...),
		collections: append([]domain.Collection(nil), collections...),
	}, nil
}

// MustNew is New that panics on an invalid step list.
func MustNew(collections []domain.Collection, steps ...Step) *Registry {
	r, err := New(collections, steps...)
	if err != nil {
		panic(err)
	}
	return r
}

// Default returns the registry for the current build.
func Default() *Registry {
	return MustNew(domain.AllCollections(), DefaultSteps()...)
}

// CurrentVersion is the version reached after the last step.
func (r *Registry) CurrentVersion() int { return len(r.steps) }

// RequiredCollections lists the collections the current version declares.
func (r *Registry) RequiredCollections() []domain.Collection {
	return append([]domain.Collection(nil), r.collections...)
}

// Steps returns the step list.
func (r *Registry) Steps() []Step { return append([]Step(nil), r.steps...) }

// Upgrade applies the steps after from up to and including to, in order.
// The caller owns atomicity: tx is discarded when an error is returned.
func (r *Registry) Upgrade(tx domain.Tx, from, to int) error {
	if from > to {
		return domain.MigrationError{From: from, To: to, Err: ErrDowngrade}
	}
	if to > r.CurrentVersion() {
		return domain.MigrationError{From: from, To: to, Err: fmt.Errorf("unknown target version %d", to)}
	}
	for _, step := range r.steps {
		if step.Version <= from || step.Version > to {
			continue
		}
		if err := step.Apply(tx); err != nil {
			return domain.MigrationError{From: from, To: to, Step: step.Name, Err: err}
		}
	}
	return nil
}

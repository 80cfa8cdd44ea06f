package cdp

import (
	"errors"
	"fmt"
)

// interaction is one external call issued after the ledger reached its final
// value. undo is nil for the closing push, which is always scheduled last.
type interaction struct {
	name    string
	failure error
	run     func() (bool, error)
	undo    func() (bool, error)
}

// settlement runs interactions in order and unwinds the completed ones in
// reverse when a later one fails.
type settlement struct {
	steps []interaction
	done  []interaction
}

func (s *settlement) add(step interaction) {
	s.steps = append(s.steps, step)
}

func (s *settlement) execute() error {
	for _, step := range s.steps {
		ok, err := invoke(step.run)
		if err == nil && !ok {
			err = errors.New("returned false")
		}
		if err != nil {
			failure := fmt.Errorf("%w: %s: %w", step.failure, step.name, err)
			if undoErr := s.unwind(); undoErr != nil {
				return errors.Join(failure, undoErr)
			}
			return failure
		}
		s.done = append(s.done, step)
	}
	return nil
}

// unwind reverses the completed interactions, newest first.
func (s *settlement) unwind() error {
	var errs []error
	for i := len(s.done) - 1; i >= 0; i-- {
		step := s.done[i]
		if step.undo == nil {
			errs = append(errs, fmt.Errorf("cdp engine: %s cannot be undone", step.name))
			continue
		}
		ok, err := invoke(step.undo)
		if err == nil && !ok {
			err = errors.New("returned false")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("cdp engine: undo %s: %w", step.name, err))
		}
	}
	s.done = nil
	return errors.Join(errs...)
}

// invoke converts a panicking collaborator into an ordinary error.
func invoke(fn func() (bool, error)) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

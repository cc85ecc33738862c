package grader

import (
	"errors"
	"fmt"

	"papergrader/internal/model"
)

// ErrInvalidTransition is returned when an operation is requested from a
// status that does not permit it. The submission is left untouched.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the submission workflow. The processing state is shared
// by the extraction and scoring phases; which terminal state it resolves
// to depends on the phase that entered it. From error, retry either
// resets to pending or resumes at extracted when answers already exist.
var transitions = map[model.Status][]model.Status{
	model.StatusPending:    {model.StatusProcessing},
	model.StatusProcessing: {model.StatusExtracted, model.StatusScored, model.StatusError},
	model.StatusExtracted:  {model.StatusProcessing},
	model.StatusScored:     {model.StatusReviewed},
	model.StatusReviewed:   {model.StatusReviewed},
	model.StatusError:      {model.StatusPending, model.StatusExtracted},
}

// CanTransition reports whether the workflow permits moving from one
// status to another.
func CanTransition(from, to model.Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// transition moves a submission to a new status, enforcing the workflow
// table. Entering any non-error status clears prior error state.
func transition(sub *model.Submission, to model.Status) error {
	if !CanTransition(sub.Status, to) {
		return fmt.Errorf("submission %d: %s -> %s: %w", sub.ID, sub.Status, to, ErrInvalidTransition)
	}
	sub.Status = to
	if to != model.StatusError {
		sub.ErrorMessage = ""
		sub.ErrorAt = nil
	}
	return nil
}

package grader

import (
	"fmt"
	"time"

	"papergrader/internal/model"
	"papergrader/internal/store"
)

// ScoreOverride is one human edit to a computed score. Nil fields are
// left unchanged.
type ScoreOverride struct {
	QuestionNumber int      `json:"question_number"`
	Points         *float64 `json:"points,omitempty"`
	Feedback       *string  `json:"feedback,omitempty"`
}

// ReviewInput is a human review of a scored submission.
type ReviewInput struct {
	Notes      string          `json:"notes"`
	ReviewedBy string          `json:"reviewed_by"`
	Overrides  []ScoreOverride `json:"overrides"`
}

// Reviewer applies human edits to computed scores. It is the only writer
// of submission state besides the orchestrator.
type Reviewer struct {
	store *store.Store
}

// NewReviewer creates a Reviewer.
func NewReviewer(st *store.Store) *Reviewer {
	return &Reviewer{store: st}
}

// ApplyReview saves a human review. Allowed only from scored or reviewed;
// a re-review simply overwrites the previous one. Edited questions are
// marked manually adjusted and any breakdown is rescaled to the new
// points so the stored record stays consistent.
func (r *Reviewer) ApplyReview(id int64, in ReviewInput) (model.Submission, error) {
	sub, err := r.store.GetSubmission(id)
	if err != nil {
		return model.Submission{}, err
	}
	if sub.Status != model.StatusScored && sub.Status != model.StatusReviewed {
		return model.Submission{}, fmt.Errorf("submission %d: review requires scored or reviewed, have %s: %w",
			sub.ID, sub.Status, ErrInvalidTransition)
	}

	for _, ov := range in.Overrides {
		score := findScore(sub.Scores, ov.QuestionNumber)
		if score == nil {
			return model.Submission{}, fmt.Errorf("submission %d has no score for question %d", sub.ID, ov.QuestionNumber)
		}
		adjusted := false
		if ov.Points != nil && *ov.Points != score.Points {
			if *ov.Points < 0 || *ov.Points > score.MaxPoints {
				return model.Submission{}, fmt.Errorf("question %d: points %.2f outside [0, %.2f]",
					ov.QuestionNumber, *ov.Points, score.MaxPoints)
			}
			score.Points = *ov.Points
			normalizeBreakdown(score)
			adjusted = true
		}
		if ov.Feedback != nil && *ov.Feedback != score.Feedback {
			score.Feedback = *ov.Feedback
			adjusted = true
		}
		if adjusted {
			score.ManuallyAdjusted = true
		}
	}

	now := time.Now()
	sub.ReviewNotes = in.Notes
	sub.ReviewedBy = in.ReviewedBy
	sub.ReviewedAt = &now
	if err := transition(&sub, model.StatusReviewed); err != nil {
		return model.Submission{}, err
	}
	if err := r.store.SaveSubmission(&sub); err != nil {
		return model.Submission{}, err
	}
	return sub, nil
}

func findScore(scores []model.QuestionScore, n int) *model.QuestionScore {
	for i := range scores {
		if scores[i].QuestionNumber == n {
			return &scores[i]
		}
	}
	return nil
}

package grader

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"papergrader/internal/model"
	"papergrader/internal/store"
)

// DefaultWindow is the number of AI calls dispatched concurrently before
// the orchestrator waits for the whole group to finish. It approximates a
// rate limiter for the external API.
const DefaultWindow = 3

// DegradedFeedback is stored on a question whose scoring call failed.
const DegradedFeedback = "Error during scoring. Please review manually."

// Extractor converts one page image into raw text and per-question
// answers.
type Extractor interface {
	ExtractPage(ctx context.Context, image []byte, mimeType string, expected []model.Question) (*model.PageExtraction, error)
}

// Scorer grades one answer against its question and the rubric
// guidelines.
type Scorer interface {
	ScoreAnswer(ctx context.Context, q model.Question, answer string, g model.RubricGuidelines) (*model.ScoreResult, error)
}

// Orchestrator drives submissions through extraction and scoring. It is
// the only writer of workflow state; human review goes through Reviewer.
type Orchestrator struct {
	store     *store.Store
	extractor Extractor
	scorer    Scorer
	window    int
}

// New creates an Orchestrator. A window below 1 falls back to
// DefaultWindow.
func New(st *store.Store, ex Extractor, sc Scorer, window int) *Orchestrator {
	if window < 1 {
		window = DefaultWindow
	}
	return &Orchestrator{store: st, extractor: ex, scorer: sc, window: window}
}

// Run drives one submission through its full pipeline: extraction, then
// scoring.
func (o *Orchestrator) Run(ctx context.Context, id int64) error {
	if err := o.ProcessSubmission(ctx, id); err != nil {
		return err
	}
	return o.ScoreSubmission(ctx, id)
}

// ProcessSubmission extracts answers from a pending submission's page
// images. Any single page failure fails the whole submission; there is no
// partial extraction state.
func (o *Orchestrator) ProcessSubmission(ctx context.Context, id int64) error {
	sub, err := o.store.GetSubmission(id)
	if err != nil {
		return err
	}
	schema, err := o.store.GetSchema(sub.SchemaID)
	if err != nil {
		return err
	}

	if sub.Status != model.StatusPending {
		return fmt.Errorf("submission %d: extraction requires pending, have %s: %w",
			sub.ID, sub.Status, ErrInvalidTransition)
	}
	if err := transition(&sub, model.StatusProcessing); err != nil {
		return err
	}
	if err := o.store.SaveSubmission(&sub); err != nil {
		return err
	}

	slog.Info("extraction started", "submission", sub.ID, "pages", len(sub.Images))

	var pages []model.PageExtraction
	for i, image := range sub.Images {
		data, err := os.ReadFile(image)
		if err != nil {
			return o.fail(&sub, fmt.Errorf("read page %d: %w", i+1, err))
		}
		page, err := o.extractor.ExtractPage(ctx, data, mimeTypeOf(image), schema.Questions)
		if err != nil {
			return o.fail(&sub, fmt.Errorf("extract page %d: %w", i+1, err))
		}
		pages = append(pages, *page)
	}

	merged := mergePages(pages)
	sub.ExtractedText = merged.RawText
	sub.Answers = reconcileAnswers(merged.Answers, schema.Questions)

	if err := transition(&sub, model.StatusExtracted); err != nil {
		return o.fail(&sub, err)
	}
	if err := o.store.SaveSubmission(&sub); err != nil {
		return err
	}

	slog.Info("extraction finished", "submission", sub.ID, "answers", len(sub.Answers))
	return nil
}

// ScoreSubmission scores all of an extracted submission's answers. The
// schema's question list drives the batch: each question ends with
// exactly one score, failures included, sorted by question number.
func (o *Orchestrator) ScoreSubmission(ctx context.Context, id int64) error {
	sub, err := o.store.GetSubmission(id)
	if err != nil {
		return err
	}
	schema, err := o.store.GetSchema(sub.SchemaID)
	if err != nil {
		return err
	}

	if sub.Status != model.StatusExtracted {
		return fmt.Errorf("submission %d: scoring requires extracted, have %s: %w",
			sub.ID, sub.Status, ErrInvalidTransition)
	}
	if err := transition(&sub, model.StatusProcessing); err != nil {
		return err
	}
	if err := o.store.SaveSubmission(&sub); err != nil {
		return err
	}

	slog.Info("scoring started", "submission", sub.ID, "questions", len(schema.Questions), "window", o.window)

	scores, err := o.scoreQuestions(ctx, schema, sub)
	if err != nil {
		return o.fail(&sub, err)
	}
	sub.Scores = scores

	if err := transition(&sub, model.StatusScored); err != nil {
		return o.fail(&sub, err)
	}
	if err := o.store.SaveSubmission(&sub); err != nil {
		return err
	}

	slog.Info("scoring finished", "submission", sub.ID,
		"total", sub.TotalScore(), "max", sub.MaxScore())
	return nil
}

// scoreQuestions dispatches scoring calls in fixed-size windows. All
// members of a window run concurrently; the next window is not dispatched
// until the current one fully resolves. Per-question failures become
// degraded results and never abort the batch; only context cancellation
// does.
func (o *Orchestrator) scoreQuestions(ctx context.Context, schema model.RubricSchema, sub model.Submission) ([]model.QuestionScore, error) {
	scores := make([]model.QuestionScore, len(schema.Questions))

	for start := 0; start < len(schema.Questions); start += o.window {
		end := min(start+o.window, len(schema.Questions))

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			q := schema.Questions[i]
			answer := sub.AnswerFor(q.Number)
			idx := i
			g.Go(func() error {
				scores[idx] = o.scoreQuestion(gctx, q, answer, schema.Guidelines)
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("scoring cancelled: %w", err)
		}
	}

	sort.Slice(scores, func(i, j int) bool {
		return scores[i].QuestionNumber < scores[j].QuestionNumber
	})
	return scores, nil
}

// scoreQuestion scores one answer and normalizes the untrusted adapter
// output: points are clamped to [0, maxPoints] and a breakdown whose sum
// disagrees with the clamped points is rescaled proportionally. Adapter
// failure yields a degraded result rather than an error so one bad
// answer never blocks the rest of the batch.
func (o *Orchestrator) scoreQuestion(ctx context.Context, q model.Question, answer string, g model.RubricGuidelines) model.QuestionScore {
	result, err := o.scorer.ScoreAnswer(ctx, q, answer, g)
	if err != nil {
		slog.Error("scoring failed, storing degraded result", "question", q.Number, "error", err)
		return model.QuestionScore{
			QuestionNumber: q.Number,
			Points:         0,
			MaxPoints:      q.MaxPoints,
			Feedback:       DegradedFeedback,
			Reasoning:      err.Error(),
			Confidence:     model.ConfidenceLow,
			FlagForReview:  true,
		}
	}

	points := clamp(result.Points, 0, q.MaxPoints)
	if points != result.Points {
		slog.Warn("clamped out-of-range score", "question", q.Number,
			"returned", result.Points, "stored", points, "max", q.MaxPoints)
	}

	score := model.QuestionScore{
		QuestionNumber: q.Number,
		Points:         points,
		MaxPoints:      q.MaxPoints,
		Feedback:       result.Feedback,
		Reasoning:      result.Reasoning,
		Confidence:     result.Confidence,
		FlagForReview:  result.FlagForReview,
		Breakdown:      append([]model.CriterionScore(nil), result.Breakdown...),
	}
	normalizeBreakdown(&score)
	return score
}

// normalizeBreakdown rescales breakdown points so they sum to the score's
// points. A zero-sum breakdown cannot be rescaled; it is left all-zero
// and the discrepancy logged rather than raised.
func normalizeBreakdown(score *model.QuestionScore) {
	if len(score.Breakdown) == 0 || score.BreakdownConsistent() {
		return
	}
	sum := score.BreakdownSum()
	if sum <= 0 {
		slog.Warn("breakdown sum is zero, leaving as-is",
			"question", score.QuestionNumber, "points", score.Points)
		return
	}
	ratio := score.Points / sum
	for i := range score.Breakdown {
		score.Breakdown[i].Points *= ratio
	}
	slog.Debug("rescaled criteria breakdown",
		"question", score.QuestionNumber, "ratio", ratio)
}

// Retry restarts an errored submission. When answers already exist the
// earlier scoring failure is resumed directly at scoring; otherwise all
// derived content is discarded and the full pipeline reruns.
func (o *Orchestrator) Retry(ctx context.Context, id int64) error {
	sub, err := o.store.GetSubmission(id)
	if err != nil {
		return err
	}
	if sub.Status != model.StatusError {
		return fmt.Errorf("submission %d: retry requires error, have %s: %w",
			sub.ID, sub.Status, ErrInvalidTransition)
	}

	if len(sub.Answers) > 0 {
		if err := transition(&sub, model.StatusExtracted); err != nil {
			return err
		}
		if err := o.store.SaveSubmission(&sub); err != nil {
			return err
		}
		slog.Info("retrying at scoring", "submission", sub.ID)
		return o.ScoreSubmission(ctx, id)
	}

	sub.ExtractedText = ""
	sub.Answers = nil
	sub.Scores = nil
	if err := transition(&sub, model.StatusPending); err != nil {
		return err
	}
	if err := o.store.SaveSubmission(&sub); err != nil {
		return err
	}
	slog.Info("retrying from scratch", "submission", sub.ID)
	return o.Run(ctx, id)
}

// BatchResult records the outcome of one submission in a batch run.
type BatchResult struct {
	SubmissionID int64  `json:"submission_id"`
	Error        string `json:"error,omitempty"`
}

// RunBatch drives many submissions through the full pipeline. A failed
// submission is recorded on its own record and in the returned report;
// it never aborts the rest of the batch.
func (o *Orchestrator) RunBatch(ctx context.Context, ids []int64) []BatchResult {
	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		res := BatchResult{SubmissionID: id}
		if err := o.Run(ctx, id); err != nil {
			res.Error = err.Error()
			slog.Error("batch submission failed", "submission", id, "error", err)
		}
		results = append(results, res)
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

// fail moves a submission to error, capturing the message and timestamp.
// Previously extracted content is left untouched so a scoring failure
// does not discard extraction output.
func (o *Orchestrator) fail(sub *model.Submission, cause error) error {
	now := time.Now()
	sub.Status = model.StatusError
	sub.ErrorMessage = cause.Error()
	sub.ErrorAt = &now
	if saveErr := o.store.SaveSubmission(sub); saveErr != nil {
		slog.Error("failed to persist error state", "submission", sub.ID, "error", saveErr)
	}
	return cause
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func mimeTypeOf(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "image/jpeg"
}

package grader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"papergrader/internal/model"
	"papergrader/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createSchema(t *testing.T, s *store.Store, questions ...model.Question) int64 {
	t.Helper()
	id, err := s.CreateSchema(model.RubricSchema{
		Name:      "Test Schema",
		Version:   "1",
		Questions: questions,
		Guidelines: model.RubricGuidelines{
			FullCredit:    "All correct.",
			PartialCredit: "Partially correct.",
			NoCredit:      "Wrong or missing.",
		},
	})
	if err != nil {
		t.Fatalf("createSchema: %v", err)
	}
	return id
}

func twoQuestions() []model.Question {
	return []model.Question{
		{Number: 1, Text: "State Newton's second law.", MaxPoints: 5, Criteria: "F=ma"},
		{Number: 2, Text: "Derive kinetic energy.", MaxPoints: 10, Criteria: "derivation"},
	}
}

// writePages writes page images to a temp dir and returns their paths.
// The file content doubles as a key for fake extractor lookups.
func writePages(t *testing.T, contents ...string) []string {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for i, c := range contents {
		p := filepath.Join(dir, fmt.Sprintf("page%d.jpg", i+1))
		if err := os.WriteFile(p, []byte(c), 0o644); err != nil {
			t.Fatalf("writePages: %v", err)
		}
		paths = append(paths, p)
	}
	return paths
}

func createSubmission(t *testing.T, s *store.Store, schemaID int64, images []string) model.Submission {
	t.Helper()
	id, err := s.CreateSubmission(model.Submission{
		SchemaID:      schemaID,
		CandidateName: "Alice",
		Images:        images,
	})
	if err != nil {
		t.Fatalf("createSubmission: %v", err)
	}
	sub, err := s.GetSubmission(id)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	return sub
}

// markExtracted fast-forwards a submission to the extracted state.
func markExtracted(t *testing.T, s *store.Store, sub *model.Submission, answers []model.ExtractedAnswer) {
	t.Helper()
	sub.Status = model.StatusExtracted
	sub.ExtractedText = "raw"
	sub.Answers = answers
	if err := s.SaveSubmission(sub); err != nil {
		t.Fatalf("markExtracted: %v", err)
	}
}

// markErrored fast-forwards a submission to the error state.
func markErrored(t *testing.T, s *store.Store, sub *model.Submission) {
	t.Helper()
	now := time.Now()
	sub.Status = model.StatusError
	sub.ErrorMessage = "boom"
	sub.ErrorAt = &now
	if err := s.SaveSubmission(sub); err != nil {
		t.Fatalf("markErrored: %v", err)
	}
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls int
	pages map[string]model.PageExtraction // keyed by page image content
	err   error
}

func (f *fakeExtractor) ExtractPage(_ context.Context, image []byte, _ string, _ []model.Question) (*model.PageExtraction, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	page, ok := f.pages[string(image)]
	if !ok {
		return nil, fmt.Errorf("no fake page for %q", string(image))
	}
	return &page, nil
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeScorer struct {
	mu        sync.Mutex
	inFlight  int
	maxFlight int
	delay     time.Duration
	scoreFn   func(q model.Question, answer string) (*model.ScoreResult, error)
}

func (f *fakeScorer) ScoreAnswer(_ context.Context, q model.Question, answer string, _ model.RubricGuidelines) (*model.ScoreResult, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	return f.scoreFn(q, answer)
}

func (f *fakeScorer) maxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxFlight
}

func okScore(points float64) func(q model.Question, answer string) (*model.ScoreResult, error) {
	return func(q model.Question, answer string) (*model.ScoreResult, error) {
		return &model.ScoreResult{
			Points:     points,
			Feedback:   "looks fine",
			Confidence: model.ConfidenceHigh,
		}, nil
	}
}

func TestProcessSubmission(t *testing.T) {
	s := newTestStore(t)
	schemaID := createSchema(t, s, twoQuestions()...)
	pages := writePages(t, "page-one", "page-two")
	sub := createSubmission(t, s, schemaID, pages)

	ex := &fakeExtractor{pages: map[string]model.PageExtraction{
		"page-one": {
			RawText: "first page text",
			Answers: []model.ExtractedAnswer{{QuestionNumber: 1, Answer: "F equals ma"}},
		},
		"page-two": {
			RawText: "second page text",
			Answers: []model.ExtractedAnswer{{QuestionNumber: 1, Answer: ""}},
		},
	}}
	o := New(s, ex, &fakeScorer{scoreFn: okScore(0)}, 2)

	if err := o.ProcessSubmission(context.Background(), sub.ID); err != nil {
		t.Fatalf("ProcessSubmission: %v", err)
	}

	got, _ := s.GetSubmission(sub.ID)
	if got.Status != model.StatusExtracted {
		t.Errorf("status = %s, want extracted", got.Status)
	}
	want := "first page text" + model.PageBreakMarker + "second page text"
	if got.ExtractedText != want {
		t.Errorf("extracted text = %q, want %q", got.ExtractedText, want)
	}
	// Both schema questions present; question 2 backfilled empty, and
	// page two's empty repeat did not erase question 1.
	if len(got.Answers) != 2 {
		t.Fatalf("expected 2 answers, got %d", len(got.Answers))
	}
	if got.Answers[0].QuestionNumber != 1 || got.Answers[0].Answer != "F equals ma" {
		t.Errorf("answer 1 = %+v", got.Answers[0])
	}
	if got.Answers[1].QuestionNumber != 2 || got.Answers[1].Answer != "" {
		t.Errorf("answer 2 = %+v", got.Answers[1])
	}
	if ex.callCount() != 2 {
		t.Errorf("extractor calls = %d, want 2", ex.callCount())
	}
}

func TestProcessSubmissionGuards(t *testing.T) {
	s := newTestStore(t)
	schemaID := createSchema(t, s, twoQuestions()...)
	sub := createSubmission(t, s, schemaID, writePages(t, "p"))
	markExtracted(t, s, &sub, []model.ExtractedAnswer{{QuestionNumber: 1, Answer: "x"}})

	o := New(s, &fakeExtractor{}, &fakeScorer{scoreFn: okScore(0)}, 2)
	err := o.ProcessSubmission(context.Background(), sub.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, _ := s.GetSubmission(sub.ID)
	if got.Status != model.StatusExtracted {
		t.Errorf("guard failure should leave submission untouched, status = %s", got.Status)
	}
}

func TestProcessSubmissionExtractionFailure(t *testing.T) {
	s := newTestStore(t)
	schemaID := createSchema(t, s, twoQuestions()...)
	sub := createSubmission(t, s, schemaID, writePages(t, "p1"))

	ex := &fakeExtractor{err: errors.New("vision model unavailable")}
	o := New(s, ex, &fakeScorer{scoreFn: okScore(0)}, 2)

	if err := o.ProcessSubmission(context.Background(), sub.ID); err == nil {
		t.Fatal("expected extraction failure to propagate")
	}

	got, _ := s.GetSubmission(sub.ID)
	if got.Status != model.StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
	if got.ErrorMessage == "" || got.ErrorAt == nil {
		t.Error("error message and timestamp should be recorded")
	}
	if got.ExtractedText != "" || len(got.Answers) != 0 {
		t.Error("no partial extraction state should be stored")
	}
}

func TestScoreSubmissionScenario(t *testing.T) {
	// Schema with maxPoints 5 and 10; window 2 dispatches both questions
	// concurrently; totals follow the clamped returned scores.
	s := newTestStore(t)
	schemaID := createSchema(t, s, twoQuestions()...)
	sub := createSubmission(t, s, schemaID, writePages(t, "p"))
	markExtracted(t, s, &sub, []model.ExtractedAnswer{
		{QuestionNumber: 1, Answer: "F=ma"},
		{QuestionNumber: 2, Answer: "E=mv^2/2"},
	})

	sc := &fakeScorer{
		delay: 20 * time.Millisecond,
		scoreFn: func(q model.Question, answer string) (*model.ScoreResult, error) {
			return &model.ScoreResult{Points: q.MaxPoints - 1, Feedback: "good", Confidence: model.ConfidenceHigh}, nil
		},
	}
	o := New(s, &fakeExtractor{}, sc, 2)

	if err := o.ScoreSubmission(context.Background(), sub.ID); err != nil {
		t.Fatalf("ScoreSubmission: %v", err)
	}

	got, _ := s.GetSubmission(sub.ID)
	if got.Status != model.StatusScored {
		t.Errorf("status = %s, want scored", got.Status)
	}
	if got.TotalScore() != 13 { // (5-1) + (10-1)
		t.Errorf("TotalScore = %v, want 13", got.TotalScore())
	}
	if got.MaxScore() != 15 {
		t.Errorf("MaxScore = %v, want 15", got.MaxScore())
	}
	if sc.maxConcurrent() != 2 {
		t.Errorf("max concurrent scoring calls = %d, want 2", sc.maxConcurrent())
	}
}

func TestScoreSubmissionWindowOne(t *testing.T) {
	s := newTestStore(t)
	schemaID := createSchema(t, s, twoQuestions()...)
	sub := createSubmission(t, s, schemaID, writePages(t, "p"))
	markExtracted(t, s, &sub, []model.ExtractedAnswer{{QuestionNumber: 1, Answer: "a"}})

	sc := &fakeScorer{delay: 10 * time.Millisecond, scoreFn: okScore(1)}
	o := New(s, &fakeExtractor{}, sc, 1)

	if err := o.ScoreSubmission(context.Background(), sub.ID); err != nil {
		t.Fatalf("ScoreSubmission: %v", err)
	}
	if sc.maxConcurrent() != 1 {
		t.Errorf("window 1 should never overlap calls, max = %d", sc.maxConcurrent())
	}
}

func TestScoreSubmissionRequiresExtracted(t *testing.T) {
	s := newTestStore(t)
	schemaID := createSchema(t, s, twoQuestions()...)
	sub := createSubmission(t, s, schemaID, writePages(t, "p"))

	o := New(s, &fakeExtractor{}, &fakeScorer{scoreFn: okScore(1)}, 2)
	err := o.ScoreSubmission(context.Background(), sub.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition scoring a pending submission, got %v", err)
	}
}

func TestScoreClamp(t *testing.T) {
	tests := []struct {
		name     string
		returned float64
		want     float64
	}{
		{"negative clamps to zero", -5, 0},
		{"excess clamps to max", 115, 5},
		{"in range untouched", 3.5, 3.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			schemaID := createSchema(t, s, model.Question{Number: 1, Text: "q", MaxPoints: 5})
			sub := createSubmission(t, s, schemaID, writePages(t, "p"))
			markExtracted(t, s, &sub, []model.ExtractedAnswer{{QuestionNumber: 1, Answer: "a"}})

			sc := &fakeScorer{scoreFn: okScore(tt.returned)}
			o := New(s, &fakeExtractor{}, sc, 2)
			if err := o.ScoreSubmission(context.Background(), sub.ID); err != nil {
				t.Fatalf("ScoreSubmission: %v", err)
			}
			got, _ := s.GetSubmission(sub.ID)
			if got.Scores[0].Points != tt.want {
				t.Errorf("stored points = %v, want %v", got.Scores[0].Points, tt.want)
			}
		})
	}
}

func TestDegradedResultContainment(t *testing.T) {
	// Scorer fails for question 2 of 3; the batch still produces exactly
	// three entries sorted by question number, with 1 and 3 unaffected.
	s := newTestStore(t)
	schemaID := createSchema(t, s,
		model.Question{Number: 1, Text: "q1", MaxPoints: 5},
		model.Question{Number: 2, Text: "q2", MaxPoints: 5},
		model.Question{Number: 3, Text: "q3", MaxPoints: 5},
	)
	sub := createSubmission(t, s, schemaID, writePages(t, "p"))
	markExtracted(t, s, &sub, []model.ExtractedAnswer{
		{QuestionNumber: 1, Answer: "a"},
		{QuestionNumber: 2, Answer: "b"},
		{QuestionNumber: 3, Answer: "c"},
	})

	sc := &fakeScorer{scoreFn: func(q model.Question, answer string) (*model.ScoreResult, error) {
		if q.Number == 2 {
			return nil, errors.New("model timeout")
		}
		return &model.ScoreResult{Points: 4, Feedback: "good", Confidence: model.ConfidenceHigh}, nil
	}}
	o := New(s, &fakeExtractor{}, sc, 2)

	if err := o.ScoreSubmission(context.Background(), sub.ID); err != nil {
		t.Fatalf("ScoreSubmission: %v", err)
	}

	got, _ := s.GetSubmission(sub.ID)
	if got.Status != model.StatusScored {
		t.Fatalf("status = %s, want scored", got.Status)
	}
	if len(got.Scores) != 3 {
		t.Fatalf("expected 3 scores, got %d", len(got.Scores))
	}
	for i, want := range []int{1, 2, 3} {
		if got.Scores[i].QuestionNumber != want {
			t.Errorf("score %d has question %d, want %d", i, got.Scores[i].QuestionNumber, want)
		}
	}

	degraded := got.Scores[1]
	if degraded.Points != 0 || degraded.Confidence != model.ConfidenceLow || !degraded.FlagForReview {
		t.Errorf("degraded score = %+v", degraded)
	}
	if degraded.Feedback != DegradedFeedback {
		t.Errorf("degraded feedback = %q", degraded.Feedback)
	}
	if degraded.Reasoning == "" {
		t.Error("degraded reasoning should carry the captured error")
	}
	for _, i := range []int{0, 2} {
		if got.Scores[i].Points != 4 || got.Scores[i].FlagForReview {
			t.Errorf("score %d should be unaffected: %+v", i, got.Scores[i])
		}
	}
}

func TestBreakdownRescale(t *testing.T) {
	s := newTestStore(t)
	schemaID := createSchema(t, s, model.Question{Number: 1, Text: "q", MaxPoints: 10})
	sub := createSubmission(t, s, schemaID, writePages(t, "p"))
	markExtracted(t, s, &sub, []model.ExtractedAnswer{{QuestionNumber: 1, Answer: "a"}})

	// Model reports 6 points but a breakdown summing to 3: each
	// criterion is rescaled by 6/3.
	sc := &fakeScorer{scoreFn: func(q model.Question, answer string) (*model.ScoreResult, error) {
		return &model.ScoreResult{
			Points:     6,
			Feedback:   "partial",
			Confidence: model.ConfidenceMedium,
			Breakdown: []model.CriterionScore{
				{Criterion: "setup", Points: 1, MaxPoints: 4},
				{Criterion: "result", Points: 2, MaxPoints: 6},
			},
		}, nil
	}}
	o := New(s, &fakeExtractor{}, sc, 2)

	if err := o.ScoreSubmission(context.Background(), sub.ID); err != nil {
		t.Fatalf("ScoreSubmission: %v", err)
	}

	got, _ := s.GetSubmission(sub.ID)
	score := got.Scores[0]
	if !score.BreakdownConsistent() {
		t.Errorf("breakdown should sum to points after rescale: sum=%v points=%v",
			score.BreakdownSum(), score.Points)
	}
	if score.Breakdown[0].Points != 2 || score.Breakdown[1].Points != 4 {
		t.Errorf("breakdown = %+v, want points 2 and 4", score.Breakdown)
	}
}

func TestBreakdownZeroSumLeftAlone(t *testing.T) {
	s := newTestStore(t)
	schemaID := createSchema(t, s, model.Question{Number: 1, Text: "q", MaxPoints: 10})
	sub := createSubmission(t, s, schemaID, writePages(t, "p"))
	markExtracted(t, s, &sub, []model.ExtractedAnswer{{QuestionNumber: 1, Answer: "a"}})

	sc := &fakeScorer{scoreFn: func(q model.Question, answer string) (*model.ScoreResult, error) {
		return &model.ScoreResult{
			Points:     6,
			Feedback:   "partial",
			Confidence: model.ConfidenceMedium,
			Breakdown: []model.CriterionScore{
				{Criterion: "setup", Points: 0, MaxPoints: 4},
				{Criterion: "result", Points: 0, MaxPoints: 6},
			},
		}, nil
	}}
	o := New(s, &fakeExtractor{}, sc, 2)

	if err := o.ScoreSubmission(context.Background(), sub.ID); err != nil {
		t.Fatalf("ScoreSubmission: %v", err)
	}

	got, _ := s.GetSubmission(sub.ID)
	score := got.Scores[0]
	if score.Points != 6 {
		t.Errorf("points = %v, want 6", score.Points)
	}
	for _, c := range score.Breakdown {
		if c.Points != 0 {
			t.Errorf("zero-sum breakdown should be left all-zero, got %+v", score.Breakdown)
		}
	}
}

func TestScoringCancellationKeepsExtraction(t *testing.T) {
	s := newTestStore(t)
	schemaID := createSchema(t, s, twoQuestions()...)
	sub := createSubmission(t, s, schemaID, writePages(t, "p"))
	answers := []model.ExtractedAnswer{
		{QuestionNumber: 1, Answer: "a"},
		{QuestionNumber: 2, Answer: "b"},
	}
	markExtracted(t, s, &sub, answers)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(s, &fakeExtractor{}, &fakeScorer{scoreFn: okScore(1)}, 2)
	if err := o.ScoreSubmission(ctx, sub.ID); err == nil {
		t.Fatal("expected cancellation to fail scoring")
	}

	got, _ := s.GetSubmission(sub.ID)
	if got.Status != model.StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
	// Extraction output survives a scoring failure.
	if len(got.Answers) != 2 || got.ExtractedText == "" {
		t.Error("scoring failure must not discard extraction output")
	}
}

func TestRetryResumesAtScoring(t *testing.T) {
	s := newTestStore(t)
	schemaID := createSchema(t, s, twoQuestions()...)
	sub := createSubmission(t, s, schemaID, writePages(t, "p"))
	markExtracted(t, s, &sub, []model.ExtractedAnswer{
		{QuestionNumber: 1, Answer: "a"},
		{QuestionNumber: 2, Answer: "b"},
	})
	markErrored(t, s, &sub)

	ex := &fakeExtractor{} // would fail if called: no fake pages
	o := New(s, ex, &fakeScorer{scoreFn: okScore(2)}, 2)

	if err := o.Retry(context.Background(), sub.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	if ex.callCount() != 0 {
		t.Errorf("retry with existing answers must not re-call the extractor, calls = %d", ex.callCount())
	}
	got, _ := s.GetSubmission(sub.ID)
	if got.Status != model.StatusScored {
		t.Errorf("status = %s, want scored", got.Status)
	}
}

func TestRetryFromScratch(t *testing.T) {
	s := newTestStore(t)
	schemaID := createSchema(t, s, model.Question{Number: 1, Text: "q", MaxPoints: 5})
	pages := writePages(t, "the-page")
	sub := createSubmission(t, s, schemaID, pages)
	markErrored(t, s, &sub)

	ex := &fakeExtractor{pages: map[string]model.PageExtraction{
		"the-page": {RawText: "text", Answers: []model.ExtractedAnswer{{QuestionNumber: 1, Answer: "a"}}},
	}}
	o := New(s, ex, &fakeScorer{scoreFn: okScore(3)}, 2)

	if err := o.Retry(context.Background(), sub.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if ex.callCount() != 1 {
		t.Errorf("full retry should re-run extraction, calls = %d", ex.callCount())
	}
	got, _ := s.GetSubmission(sub.ID)
	if got.Status != model.StatusScored {
		t.Errorf("status = %s, want scored", got.Status)
	}
}

func TestRetryRequiresErrorStatus(t *testing.T) {
	s := newTestStore(t)
	schemaID := createSchema(t, s, model.Question{Number: 1, Text: "q", MaxPoints: 5})
	sub := createSubmission(t, s, schemaID, writePages(t, "p"))

	o := New(s, &fakeExtractor{}, &fakeScorer{scoreFn: okScore(1)}, 2)
	if err := o.Retry(context.Background(), sub.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRunBatchContinuesOnFailure(t *testing.T) {
	s := newTestStore(t)
	schemaID := createSchema(t, s, model.Question{Number: 1, Text: "q", MaxPoints: 5})
	pages := writePages(t, "good-page")

	good := createSubmission(t, s, schemaID, pages)
	// bad points at a page image that does not exist, so its extraction
	// fails while the rest of the batch proceeds.
	bad := createSubmission(t, s, schemaID, []string{filepath.Join(t.TempDir(), "missing.jpg")})

	ex := &fakeExtractor{pages: map[string]model.PageExtraction{
		"good-page": {RawText: "text", Answers: []model.ExtractedAnswer{{QuestionNumber: 1, Answer: "a"}}},
	}}
	o := New(s, ex, &fakeScorer{scoreFn: okScore(5)}, 2)

	results := o.RunBatch(context.Background(), []int64{bad.ID, good.ID})
	if len(results) != 2 {
		t.Fatalf("expected 2 batch results, got %d", len(results))
	}
	if results[0].Error == "" {
		t.Error("first submission should record its failure")
	}
	if results[1].Error != "" {
		t.Errorf("second submission should succeed, got error %q", results[1].Error)
	}

	gotGood, _ := s.GetSubmission(good.ID)
	if gotGood.Status != model.StatusScored {
		t.Errorf("good submission status = %s, want scored", gotGood.Status)
	}
}

func TestMissingSubmissionAndSchema(t *testing.T) {
	s := newTestStore(t)
	o := New(s, &fakeExtractor{}, &fakeScorer{scoreFn: okScore(1)}, 2)

	if err := o.ProcessSubmission(context.Background(), 404); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := o.ScoreSubmission(context.Background(), 404); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

package model

import (
	"context"
	"fmt"
	"math"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleReviewer can upload submissions, run grading, and review scores.
	UserRoleReviewer UserRole = "reviewer"
	// UserRoleAdmin can additionally manage users and rubric schemas.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// Status represents the workflow state of a submission.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusExtracted  Status = "extracted"
	StatusScored     Status = "scored"
	StatusReviewed   Status = "reviewed"
	StatusError      Status = "error"
)

// Confidence labels how sure the scoring model was about a score.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// PageBreakMarker separates per-page raw text in a multi-page submission.
const PageBreakMarker = "\n\n--- PAGE BREAK ---\n\n"

// BreakdownTolerance is the maximum allowed gap between a score's points
// and the sum of its criteria breakdown points.
const BreakdownTolerance = 0.01

// Question is one question in a rubric schema.
type Question struct {
	Number       int     `json:"number"`
	Text         string  `json:"text"`
	MaxPoints    float64 `json:"max_points"`
	Criteria     string  `json:"criteria"`
	SampleAnswer string  `json:"sample_answer,omitempty"`
}

// RubricGuidelines are rubric-wide credit guidelines shown to the scorer.
type RubricGuidelines struct {
	FullCredit    string `json:"full_credit"`
	PartialCredit string `json:"partial_credit"`
	NoCredit      string `json:"no_credit"`
}

// RubricSchema is an ordered set of questions plus grading guidelines.
type RubricSchema struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Version     string           `json:"version"`
	Description string           `json:"description,omitempty"`
	Questions   []Question       `json:"questions"`
	Guidelines  RubricGuidelines `json:"guidelines"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// TotalPoints returns the sum of all question max points. It is always
// derived from the question list and never stored.
func (s RubricSchema) TotalPoints() float64 {
	var total float64
	for _, q := range s.Questions {
		total += q.MaxPoints
	}
	return total
}

// QuestionByNumber looks up a question by its number.
func (s RubricSchema) QuestionByNumber(n int) (Question, bool) {
	for _, q := range s.Questions {
		if q.Number == n {
			return q, true
		}
	}
	return Question{}, false
}

// Validate checks schema fields before persistence.
func (s RubricSchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema name is required")
	}
	if len(s.Questions) == 0 {
		return fmt.Errorf("schema needs at least one question")
	}
	seen := make(map[int]bool, len(s.Questions))
	for _, q := range s.Questions {
		if seen[q.Number] {
			return fmt.Errorf("duplicate question number %d", q.Number)
		}
		seen[q.Number] = true
		if q.MaxPoints < 0 {
			return fmt.Errorf("question %d: max points must not be negative", q.Number)
		}
		if q.Text == "" {
			return fmt.Errorf("question %d: text is required", q.Number)
		}
	}
	return nil
}

// ExtractedAnswer is one question's answer text pulled from page images.
type ExtractedAnswer struct {
	QuestionNumber int    `json:"question_number"`
	Answer         string `json:"answer"`
}

// CriterionScore is a per-criterion point allocation within one score.
type CriterionScore struct {
	Criterion string  `json:"criterion"`
	Points    float64 `json:"points"`
	MaxPoints float64 `json:"max_points"`
}

// QuestionScore is the scored result for one question of a submission.
type QuestionScore struct {
	QuestionNumber   int              `json:"question_number"`
	Points           float64          `json:"points"`
	MaxPoints        float64          `json:"max_points"`
	Feedback         string           `json:"feedback"`
	Reasoning        string           `json:"reasoning,omitempty"`
	Confidence       Confidence       `json:"confidence"`
	FlagForReview    bool             `json:"flag_for_review"`
	ManuallyAdjusted bool             `json:"manually_adjusted"`
	Breakdown        []CriterionScore `json:"criteria_breakdown,omitempty"`
}

// BreakdownSum returns the sum of breakdown points.
func (qs QuestionScore) BreakdownSum() float64 {
	var sum float64
	for _, c := range qs.Breakdown {
		sum += c.Points
	}
	return sum
}

// BreakdownConsistent reports whether the breakdown sum matches the score
// points within tolerance. A score without a breakdown is consistent.
func (qs QuestionScore) BreakdownConsistent() bool {
	if len(qs.Breakdown) == 0 {
		return true
	}
	return math.Abs(qs.BreakdownSum()-qs.Points) <= BreakdownTolerance
}

// Submission is one candidate's uploaded test paper and all derived state.
type Submission struct {
	ID            int64             `json:"id"`
	SchemaID      int64             `json:"schema_id"`
	CandidateName string            `json:"candidate_name,omitempty"`
	Images        []string          `json:"images"`
	ExtractedText string            `json:"extracted_text,omitempty"`
	Answers       []ExtractedAnswer `json:"extracted_answers,omitempty"`
	Scores        []QuestionScore   `json:"scores,omitempty"`
	Status        Status            `json:"status"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	ErrorAt       *time.Time        `json:"error_at,omitempty"`
	ReviewNotes   string            `json:"review_notes,omitempty"`
	ReviewedBy    string            `json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time        `json:"reviewed_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Version       int64             `json:"version"`
}

// TotalScore returns the sum of awarded points across all scores.
func (s Submission) TotalScore() float64 {
	var total float64
	for _, sc := range s.Scores {
		total += sc.Points
	}
	return total
}

// MaxScore returns the sum of max points across all scores.
func (s Submission) MaxScore() float64 {
	var total float64
	for _, sc := range s.Scores {
		total += sc.MaxPoints
	}
	return total
}

// AnswerFor returns the extracted answer text for a question number.
func (s Submission) AnswerFor(n int) string {
	for _, a := range s.Answers {
		if a.QuestionNumber == n {
			return a.Answer
		}
	}
	return ""
}

// PageExtraction is the result of extracting one page image.
type PageExtraction struct {
	RawText string
	Answers []ExtractedAnswer
}

// ScoreResult is the scoring adapter's assessment of one answer.
type ScoreResult struct {
	Points        float64
	Feedback      string
	Reasoning     string
	Confidence    Confidence
	FlagForReview bool
	Breakdown     []CriterionScore
}

// ServerConfig holds runtime parameters set via CLI flags.
type ServerConfig struct {
	DataDir       string // directory for uploaded page images
	Window        int    // concurrent AI calls per batch window
	PromptVariant string // scoring prompt variant (strict, standard, lenient)
	SecureCookies bool   // Set Secure flag on cookies (disable for local dev)
}

// Package export serializes graded submissions into a flat CSV report,
// one row per submission.
package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"time"

	"papergrader/internal/model"
)

// ErrNothingToExport is returned when no submission in the set is scored
// or reviewed. No output is produced in that case.
var ErrNothingToExport = errors.New("no scored or reviewed submissions to export")

const timeLayout = "2006-01-02 15:04:05"

// BuildCSV renders scored and reviewed submissions of one schema as CSV.
// Columns: candidate, schema, status and totals, then a score and a
// feedback column per schema question, then per-criterion columns for
// every question where at least one submission carries a breakdown, then
// review metadata. Submissions in other states are skipped.
func BuildCSV(schema model.RubricSchema, submissions []model.Submission) ([]byte, error) {
	var rows []model.Submission
	for _, sub := range submissions {
		if sub.Status == model.StatusScored || sub.Status == model.StatusReviewed {
			rows = append(rows, sub)
		}
	}
	if len(rows) == 0 {
		return nil, ErrNothingToExport
	}

	criteria := breakdownCriteria(schema, rows)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"Candidate", "Schema", "Status", "Total Score", "Max Score", "Percentage"}
	for _, q := range schema.Questions {
		header = append(header,
			fmt.Sprintf("Q%d Score", q.Number),
			fmt.Sprintf("Q%d Feedback", q.Number))
	}
	for _, q := range schema.Questions {
		for _, c := range criteria[q.Number] {
			header = append(header, fmt.Sprintf("Q%d %s", q.Number, c))
		}
	}
	header = append(header, "Review Notes", "Reviewed By", "Reviewed At", "Created At")
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	for _, sub := range rows {
		if err := w.Write(submissionRow(schema, criteria, sub)); err != nil {
			return nil, fmt.Errorf("write row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func submissionRow(schema model.RubricSchema, criteria map[int][]string, sub model.Submission) []string {
	total := sub.TotalScore()
	max := sub.MaxScore()

	row := []string{
		sub.CandidateName,
		schema.Name + " v" + schema.Version,
		string(sub.Status),
		formatPoints(total),
		formatPoints(max),
		formatPercent(total, max),
	}

	for _, q := range schema.Questions {
		score := scoreFor(sub, q.Number)
		if score == nil {
			row = append(row, "-", "-")
			continue
		}
		row = append(row, formatPoints(score.Points)+"/"+formatPoints(score.MaxPoints))
		if score.Feedback != "" {
			row = append(row, score.Feedback)
		} else {
			row = append(row, "-")
		}
	}

	for _, q := range schema.Questions {
		names := criteria[q.Number]
		if len(names) == 0 {
			continue
		}
		score := scoreFor(sub, q.Number)
		for _, name := range names {
			row = append(row, criterionCell(score, name))
		}
	}

	row = append(row,
		orDash(sub.ReviewNotes),
		orDash(sub.ReviewedBy),
		formatTime(sub.ReviewedAt),
		sub.CreatedAt.Format(timeLayout),
	)
	return row
}

// breakdownCriteria collects, per question, the criterion names present in
// any submission's breakdown, in first-seen order. Questions with no
// breakdown anywhere get no extra columns.
func breakdownCriteria(schema model.RubricSchema, subs []model.Submission) map[int][]string {
	criteria := make(map[int][]string)
	seen := make(map[int]map[string]bool)
	for _, q := range schema.Questions {
		seen[q.Number] = make(map[string]bool)
	}
	for _, sub := range subs {
		for _, score := range sub.Scores {
			known, ok := seen[score.QuestionNumber]
			if !ok {
				continue
			}
			for _, c := range score.Breakdown {
				if !known[c.Criterion] {
					known[c.Criterion] = true
					criteria[score.QuestionNumber] = append(criteria[score.QuestionNumber], c.Criterion)
				}
			}
		}
	}
	return criteria
}

func criterionCell(score *model.QuestionScore, name string) string {
	if score == nil {
		return "-"
	}
	for _, c := range score.Breakdown {
		if c.Criterion == name {
			return formatPoints(c.Points) + "/" + formatPoints(c.MaxPoints)
		}
	}
	return "-"
}

func scoreFor(sub model.Submission, n int) *model.QuestionScore {
	for i := range sub.Scores {
		if sub.Scores[i].QuestionNumber == n {
			return &sub.Scores[i]
		}
	}
	return nil
}

func formatPoints(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatPercent(total, max float64) string {
	if max <= 0 {
		return "0.0"
	}
	return strconv.FormatFloat(total/max*100, 'f', 1, 64)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(timeLayout)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

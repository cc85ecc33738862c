package grader

import (
	"sort"
	"strings"

	"papergrader/internal/model"
)

// mergePages combines per-page extraction results into one. Raw text is
// concatenated in page order with an explicit page-break marker. Answers
// are merged by question number: non-empty repeats are newline-joined so
// an answer can span pages, while an empty repeat never erases text that
// an earlier page produced. The merged list is sorted by question number.
func mergePages(pages []model.PageExtraction) model.PageExtraction {
	var texts []string
	byNumber := make(map[int]string)
	var numbers []int

	for _, page := range pages {
		texts = append(texts, page.RawText)
		for _, a := range page.Answers {
			existing, seen := byNumber[a.QuestionNumber]
			if !seen {
				byNumber[a.QuestionNumber] = a.Answer
				numbers = append(numbers, a.QuestionNumber)
				continue
			}
			switch {
			case a.Answer == "":
				// Keep what we have.
			case existing == "":
				byNumber[a.QuestionNumber] = a.Answer
			default:
				byNumber[a.QuestionNumber] = existing + "\n" + a.Answer
			}
		}
	}

	sort.Ints(numbers)
	merged := model.PageExtraction{
		RawText: strings.Join(texts, model.PageBreakMarker),
	}
	for _, n := range numbers {
		merged.Answers = append(merged.Answers, model.ExtractedAnswer{
			QuestionNumber: n,
			Answer:         byNumber[n],
		})
	}
	return merged
}

// reconcileAnswers aligns extracted answers with the schema's question
// list: every schema question gets exactly one entry (empty when the
// extractor produced nothing for it), and answers for question numbers
// the schema does not know are dropped. Output is sorted by question
// number.
func reconcileAnswers(answers []model.ExtractedAnswer, questions []model.Question) []model.ExtractedAnswer {
	byNumber := make(map[int]string, len(answers))
	for _, a := range answers {
		byNumber[a.QuestionNumber] = a.Answer
	}

	result := make([]model.ExtractedAnswer, 0, len(questions))
	for _, q := range questions {
		result = append(result, model.ExtractedAnswer{
			QuestionNumber: q.Number,
			Answer:         byNumber[q.Number],
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].QuestionNumber < result[j].QuestionNumber
	})
	return result
}

package prompts

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"papergrader/internal/model"
)

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// Variant represents a scoring prompt variant.
type Variant string

const (
	// VariantStrict is a strict scoring variant for majors.
	VariantStrict Variant = "strict"
	// VariantStandard is the default scoring variant.
	VariantStandard Variant = "standard"
	// VariantLenient is a lenient scoring variant for electives.
	VariantLenient Variant = "lenient"
)

var validVariants = map[Variant]bool{
	VariantStrict:   true,
	VariantStandard: true,
	VariantLenient:  true,
}

// IsValidVariant checks if a variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[Variant(v)]
}

// Extraction builds the system prompt for reading one scanned test page.
func Extraction(expected []model.Question) string {
	var sb strings.Builder
	sb.WriteString("You are a handwriting transcription assistant reading one scanned page of a handwritten test paper.\n\n")

	if len(expected) > 0 {
		sb.WriteString("The test contains the following questions. The page you are shown may cover only some of them:\n")
		for _, q := range expected {
			sb.WriteString(fmt.Sprintf("- Question %d (%s points): %s\n", q.Number, formatPoints(q.MaxPoints), q.Text))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("INSTRUCTIONS:\n")
	sb.WriteString("- Transcribe ALL handwritten text on the page as faithfully as possible.\n")
	sb.WriteString("- Attribute each piece of work to the question number it answers.\n")
	sb.WriteString("- Only include questions that actually appear on this page.\n")
	sb.WriteString("- Do not grade, correct, or improve the student's writing.\n")
	sb.WriteString("\nRespond ONLY with a JSON object with these fields:\n")
	sb.WriteString(`{"raw_text": "<full page transcription>", "answers": [{"question_number": <number>, "answer": "<transcribed answer>"}]}`)
	sb.WriteString("\n")

	return sb.String()
}

// Scoring builds the system prompt for grading one answer against its
// question criteria and the rubric-wide guidelines.
func Scoring(variant Variant, q model.Question, g model.RubricGuidelines) string {
	var sb strings.Builder
	sb.WriteString("You are an exam grader. Score the student's answer to the following question:\n\n")
	sb.WriteString("QUESTION: " + q.Text + "\n\n")
	sb.WriteString(fmt.Sprintf("MAX POINTS: %s\n\n", formatPoints(q.MaxPoints)))

	if q.Criteria != "" {
		sb.WriteString("EVALUATION CRITERIA:\n" + q.Criteria + "\n\n")
	}
	if q.SampleAnswer != "" {
		sb.WriteString("SAMPLE ANSWER (not shown to student):\n" + q.SampleAnswer + "\n\n")
	}

	if g.FullCredit != "" || g.PartialCredit != "" || g.NoCredit != "" {
		sb.WriteString("CREDIT GUIDELINES:\n")
		if g.FullCredit != "" {
			sb.WriteString("- Full credit: " + g.FullCredit + "\n")
		}
		if g.PartialCredit != "" {
			sb.WriteString("- Partial credit: " + g.PartialCredit + "\n")
		}
		if g.NoCredit != "" {
			sb.WriteString("- No credit: " + g.NoCredit + "\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("INSTRUCTIONS:\n")
	switch variant {
	case VariantStrict:
		sb.WriteString("- Grade strictly. Award points only for work that is explicitly present and correct.\n")
		sb.WriteString("- Do not give the benefit of the doubt for ambiguous or incomplete statements.\n")
	case VariantLenient:
		sb.WriteString("- Grade generously. Award partial credit for any evidence of correct understanding.\n")
		sb.WriteString("- Give the benefit of the doubt where handwriting or phrasing is ambiguous.\n")
	default:
		sb.WriteString("- Grade fairly. Award partial credit proportional to demonstrated understanding.\n")
	}
	sb.WriteString("- The answer was transcribed from handwriting; ignore spelling noise that does not change meaning.\n")
	sb.WriteString("- Set confidence to high, medium, or low depending on how certain you are of the score.\n")
	sb.WriteString("- Set flag_for_review to true whenever a human should double-check the score.\n")
	sb.WriteString("- If the criteria suggest sub-parts, you MAY include a criteria_breakdown whose points sum to the total score.\n")
	sb.WriteString("\nRespond ONLY with a JSON object with these fields:\n")
	sb.WriteString(`{"points": <number 0 to max_points>, "feedback": "<brief feedback>", "reasoning": "<your rationale>", "confidence": "<high|medium|low>", "flag_for_review": <true/false>, "criteria_breakdown": [{"criterion": "<text>", "points": <number>, "max_points": <number>}]}`)
	sb.WriteString("\n")

	return sb.String()
}

// SanitizeAnswer strips prompt-injection markup from a transcribed answer
// and truncates pathologically long input.
func SanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > 10000 {
		runes := []rune(answer)
		runes = runes[:10000]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}

func formatPoints(p float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", p), "0"), ".")
}

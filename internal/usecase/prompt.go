package usecase

import (
	"fmt"
	"strings"

	"dialoguesim/internal/domain"
)

const evaluatorPersona = "You are an expert dialogue system evaluator."

func buildEvaluationPrompt(turns []domain.ChatMessage) string {
	return strings.Join([]string{
		"Please evaluate the following dialogue based on these criteria:",
		rubric(),
		"",
		"Dialogue:",
		domain.FormatTranscript(turns),
		"Provide scores and brief explanations for each criterion.",
	}, "\n")
}

func rubric() string {
	return strings.Join([]string{
		"1. Fluency (1-5): Is the dialogue smooth and natural?",
		"2. Coherence (1-5): Is the content logically connected and consistent?",
		"3. Relevance (1-5): Are responses contextually appropriate?",
		"4. Informativeness (1-5): Does the dialogue provide valuable information?",
	}, "\n")
}

func evaluationFallback(err error) string {
	return fmt.Sprintf("Evaluation error: %v", err)
}

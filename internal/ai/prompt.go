package ai

import (
	"fmt"
	"strings"
)

// Passage is one retrieved excerpt offered to the model as context.
type Passage struct {
	Text       string
	Source     string
	PageNumber int
}

// SystemPrompt returns the instruction that fixes the assistant's role and
// the answer language.
func SystemPrompt(language string) string {
	var prompt strings.Builder

	prompt.WriteString("You are an assistant answering questions about a single PDF document. ")
	prompt.WriteString("Use only the excerpts supplied with each question and the earlier conversation.\n\n")

	prompt.WriteString("ANSWER RULES:\n")
	prompt.WriteString("- ANSWER the question directly, quoting the document where it helps\n")
	prompt.WriteString("- MENTION the page when an excerpt states it\n")
	prompt.WriteString("- SAY you could not find it in the document when the excerpts do not cover the question\n")
	prompt.WriteString("- NEVER invent clauses, figures or dates\n\n")

	if lang := strings.TrimSpace(language); lang != "" {
		prompt.WriteString(fmt.Sprintf("Always reply in %s, whatever language the document uses.\n", lang))
	}
	return prompt.String()
}

// BuildPrompt renders the user turn: numbered excerpts followed by the
// question. Without passages the question is sent on its own.
func BuildPrompt(question string, passages []Passage) string {
	if len(passages) == 0 {
		return fmt.Sprintf("No excerpts from the document matched this question.\n\nQuestion: %s", question)
	}

	var contextStr strings.Builder
	for i, p := range passages {
		header := fmt.Sprintf("Context %d", i+1)
		if p.PageNumber > 0 {
			header += fmt.Sprintf(" (page %d)", p.PageNumber)
		}
		contextStr.WriteString(header + ":\n" + strings.TrimSpace(p.Text) + "\n\n")
	}

	return fmt.Sprintf("Based on the following context:\n\n%s\nPlease answer this question: %s", contextStr.String(), question)
}

package llm

import "fmt"

func titlePrompt(firstMessage string) string {
	return fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a conversation that starts with or is about: %q.", firstMessage)
}

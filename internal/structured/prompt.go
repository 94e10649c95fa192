package structured

import (
	"fmt"

	"github.com/kalambet/topicforge/internal/engine"
)

// StricterInstruction is appended to the conversation for the second attempt.
const StricterInstruction = `Your previous reply could not be used. Reply again with ONLY a single valid JSON object that conforms to the provided schema. Fill every required field. Do not include reasoning, prose, or markdown.`

func withStricterInstruction(msgs []engine.Message, cause error) []engine.Message {
	out := make([]engine.Message, 0, len(msgs)+1)
	out = append(out, msgs...)
	content := StricterInstruction
	if cause != nil {
		content = fmt.Sprintf("%s\nProblem: %v", StricterInstruction, cause)
	}
	return append(out, engine.Message{Role: engine.RoleUser, Content: content})
}

// Int returns a pointer to n, for schema bounds.
func Int(n int) *int { return &n }

package translator

import (
	"encoding/json"
	"fmt"

	"github.com/kalambet/topicforge/internal/engine"
)

func buildMessages(src sourcePayload, lang Language) ([]engine.Message, error) {
	body, err := json.MarshalIndent(src, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding topic for translation: %w", err)
	}
	return []engine.Message{
		{Role: engine.RoleSystem, Content: fmt.Sprintf(systemPrompt, lang.Name)},
		{Role: engine.RoleUser, Content: fmt.Sprintf("Translate into %s:\n%s", lang.Name, body)},
	}, nil
}

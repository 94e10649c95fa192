package translator

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Language is a resolved translation target.
type Language struct {
	Tag language.Tag
	// Name is the English display name, used in prompts and reports.
	Name string
}

// IsEnglish reports whether the target is English, which needs no
// translation.
func (l Language) IsEnglish() bool {
	base, _ := l.Tag.Base()
	return base.String() == "en"
}

// ResolveLanguage accepts a BCP 47 tag ("ko", "pt-BR"), an English name
// ("Korean") or a native name ("한국어").
func ResolveLanguage(s string) (Language, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Language{}, fmt.Errorf("empty target language")
	}

	if tag, err := language.Parse(s); err == nil && tag != language.Und {
		if name := display.English.Tags().Name(tag); name != "" {
			return Language{Tag: tag, Name: name}, nil
		}
	}

	for _, tag := range display.Supported.Tags() {
		english := display.English.Tags().Name(tag)
		if strings.EqualFold(english, s) || strings.EqualFold(display.Self.Name(tag), s) {
			return Language{Tag: tag, Name: english}, nil
		}
	}
	return Language{}, fmt.Errorf("unknown target language %q", s)
}

package collector

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/topicforge/internal/research"
)

// ErrMalformedIndex is returned for a positional index with gaps, duplicate
// positions or negative positions.
var ErrMalformedIndex = errors.New("malformed abstract index")

// ReconstructAbstract rebuilds text from a word -> positions index. Every
// position from 0 to the highest one must be taken by exactly one word.
// An empty index yields nil without error.
func ReconstructAbstract(index map[string][]int) (*string, error) {
	if len(index) == 0 {
		return nil, nil
	}

	maxPos, count := -1, 0
	for _, positions := range index {
		for _, p := range positions {
			if p < 0 {
				return nil, fmt.Errorf("%w: negative position %d", ErrMalformedIndex, p)
			}
			maxPos = max(maxPos, p)
			count++
		}
	}
	if maxPos < 0 {
		return nil, nil
	}
	// A gap or a duplicate must exist whenever the counts differ.
	if count != maxPos+1 {
		return nil, fmt.Errorf("%w: %d positions for highest position %d", ErrMalformedIndex, count, maxPos)
	}

	words := make([]string, maxPos+1)
	filled := make([]bool, maxPos+1)
	for word, positions := range index {
		for _, p := range positions {
			if filled[p] {
				return nil, fmt.Errorf("%w: position %d used twice", ErrMalformedIndex, p)
			}
			words[p], filled[p] = word, true
		}
	}
	for p, ok := range filled {
		if !ok {
			return nil, fmt.Errorf("%w: no word at position %d", ErrMalformedIndex, p)
		}
	}

	text := strings.Join(words, " ")
	return &text, nil
}

// MaxAbstractChars bounds the abstract part of the embedded text.
const MaxAbstractChars = 1000

const truncationMarker = "...(truncated)"

// EmbedText is the text embedded for p.
func EmbedText(p research.Paper) string {
	abstract := p.AbstractText()
	if utf8.RuneCountInString(abstract) > MaxAbstractChars {
		abstract = string([]rune(abstract)[:MaxAbstractChars]) + truncationMarker
	}
	return fmt.Sprintf("Title: %s\nAbstract: %s", p.Title, abstract)
}

package research

import (
	"cmp"
	"fmt"
	"slices"
)

// Tag classifies how a stage ended.
type Tag string

const (
	TagSuccess  Tag = "success"
	TagDegraded Tag = "degraded"
	TagFailed   Tag = "failed"
)

// Outcome is the per-stage result tag with the counters that explain it.
// Degradation policy (skip, sentinel, pass-through) shows up here instead of
// being hidden in control flow.
type Outcome struct {
	Tag       Tag      `json:"tag" yaml:"tag"`
	Attempted int      `json:"attempted" yaml:"attempted"`
	Succeeded int      `json:"succeeded" yaml:"succeeded"`
	Retried   int      `json:"retried,omitempty" yaml:"retried,omitempty"`
	Degraded  int      `json:"degraded,omitempty" yaml:"degraded,omitempty"`
	Notes     []string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Degrade records one degraded item with a note.
func (o *Outcome) Degrade(format string, args ...any) {
	o.Degraded++
	o.Notes = append(o.Notes, fmt.Sprintf(format, args...))
}

// Note appends a note without counting a degraded item.
func (o *Outcome) Note(format string, args ...any) {
	o.Notes = append(o.Notes, fmt.Sprintf(format, args...))
}

// Resolve sets Tag from the counters unless it was already marked failed.
func (o *Outcome) Resolve() Outcome {
	if o.Tag == TagFailed {
		return *o
	}
	if o.Degraded > 0 {
		o.Tag = TagDegraded
	} else {
		o.Tag = TagSuccess
	}
	return *o
}

// Rank returns the topics ordered for the report: scored topics by total
// descending, ties by generation position; unscored topics last in
// generation order. The input slice is not modified.
func Rank(topics []ScoredTopic) []ScoredTopic {
	out := slices.Clone(topics)
	slices.SortStableFunc(out, func(a, b ScoredTopic) int {
		return compareRank(a, b)
	})
	return out
}

// RankTranslated applies the same ordering as Rank to translated topics.
func RankTranslated(topics []TranslatedTopic) []TranslatedTopic {
	out := slices.Clone(topics)
	slices.SortStableFunc(out, func(a, b TranslatedTopic) int {
		return compareRank(a.ScoredTopic, b.ScoredTopic)
	})
	return out
}

func compareRank(a, b ScoredTopic) int {
	if a.Scored != b.Scored {
		if a.Scored {
			return -1
		}
		return 1
	}
	if a.Scored {
		if c := cmp.Compare(b.Scores.Total(), a.Scores.Total()); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.Position, b.Position)
}

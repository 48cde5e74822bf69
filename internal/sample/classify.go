package sample

import (
	"strings"

	"golang.org/x/text/cases"
)

// Layer composition classes.
const (
	CompositionNothing   = "nothing"
	CompositionQuickClay = "quick_clay"
	CompositionOther     = "other"
)

// Classifier buckets free-text layer compositions.
type Classifier struct {
	keywords []string
}

// NewClassifier creates a Classifier matching any of keywords,
// case-insensitively (Unicode case folding, so "SPRØBRUDD" matches).
func NewClassifier(keywords []string) *Classifier {
	fold := cases.Fold()
	folded := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			folded = append(folded, fold.String(k))
		}
	}
	return &Classifier{keywords: folded}
}

// Classify returns "nothing" when every value is a null marker, "quick_clay"
// when any value mentions a quick clay keyword and "other" otherwise.
func (c *Classifier) Classify(values []string) string {
	// a Caser holds state and must not be shared across goroutines
	fold := cases.Fold()

	folded := make([]string, len(values))
	allNull := true
	for i, v := range values {
		folded[i] = fold.String(v)
		if !isNullText(folded[i]) {
			allNull = false
		}
	}
	if allNull {
		return CompositionNothing
	}
	for _, v := range folded {
		for _, k := range c.keywords {
			if strings.Contains(v, k) {
				return CompositionQuickClay
			}
		}
	}
	return CompositionOther
}

// JoinFragments pipe-joins the meaningful composition texts, or "-" when
// none remain.
func JoinFragments(values []string) string {
	kept := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" || isNullText(strings.ToLower(v)) {
			continue
		}
		kept = append(kept, v)
	}
	if len(kept) == 0 {
		return "-"
	}
	return strings.Join(kept, " | ")
}

func isNullText(v string) bool {
	return v == "nan" || v == "none"
}

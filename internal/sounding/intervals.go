package sounding

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/ppiankov/nadag/internal/model"
)

// Flags holds the three derived interval flags of a sounding, one entry per row.
type Flags struct {
	Hammering             []bool
	IncreasedRotationRate []bool
	Flushing              []bool
}

// DeriveFlags reconstructs the interval flags from a depth-ordered sequence
// of comment codes. A nil entry is a row without a comment.
func DeriveFlags(codes []*string, cfg model.FlagConfig) Flags {
	tokens := make([][]string, len(codes))
	for i, c := range codes {
		if c != nil {
			tokens[i] = CodeTokens(*c)
		}
	}
	return Flags{
		Hammering:             interval(tokens, cfg.Hammering),
		IncreasedRotationRate: interval(tokens, cfg.IncreasedRotationRate),
		Flushing:              interval(tokens, cfg.Flushing),
	}
}

// interval scans rows in order. An end code clears the flag on its own row
// even when a start code is present too; a start code sets it from its row on.
func interval(tokens [][]string, codes model.FlagCodes) []bool {
	out := make([]bool, len(tokens))
	active := false
	for i, toks := range tokens {
		switch {
		case matchAny(toks, codes.End):
			active = false
		case matchAny(toks, codes.Start):
			active = true
		}
		out[i] = active
	}
	return out
}

func matchAny(tokens, codes []string) bool {
	for _, t := range tokens {
		for _, c := range codes {
			if t == c {
				return true
			}
		}
	}
	return false
}

// CodeTokens splits a comment field into individual codes. Rows may carry
// several codes ("11 43", "11;16").
func CodeTokens(comment string) []string {
	return strings.FieldsFunc(comment, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// FormatCode renders a raw comment code value. Numbers become integers so a
// decoded 11.0 matches the code "11".
func FormatCode(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		if t == "" {
			return "", false
		}
		return t, true
	case float64:
		if math.IsNaN(t) {
			return "", false
		}
		return strconv.FormatInt(int64(t), 10), true
	case int:
		return strconv.Itoa(t), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

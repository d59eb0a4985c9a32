// Package serial canonicalizes user-entered serial codes into fixed-width keys.
//
// A normalized code is the code's letters (upper-cased, in order of
// appearance), then zero padding, then its digits (in order of appearance).
// Because every key has the same width and the same letters-then-digits
// shape, plain string comparison orders codes the way issued ranges expect,
// so range membership is a lexicographic BETWEEN in the store.
//
// Persian (U+06F0-U+06F9) and Eastern-Arabic (U+0660-U+0669) digits are
// folded to ASCII before anything else, so SMS input typed on Persian or
// Arabic keyboards normalizes to the same key as ASCII input.
package serial

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// DefaultFixedSize is the width of a normalized code.
const DefaultFixedSize = 30

// ErrMalformedCode is returned when a code has more letters and digits than
// the fixed width can hold. The code is never truncated.
var ErrMalformedCode = errors.New("malformed code")

const (
	persianZero = '۰'
	arabicZero  = '٠'
)

// foldDigit maps one Persian or Eastern-Arabic digit glyph to ASCII.
// A rune belongs to at most one table, so the order of the checks is irrelevant.
func foldDigit(r rune) rune {
	switch {
	case r >= persianZero && r <= persianZero+9:
		return '0' + (r - persianZero)
	case r >= arabicZero && r <= arabicZero+9:
		return '0' + (r - arabicZero)
	}
	return r
}

func isASCIILetter(r rune) bool { return r >= 'A' && r <= 'Z' }

func isASCIIDigit(r rune) bool { return r >= '0' && r <= '9' }

// pipeline builds a fresh transformer chain. Casers keep internal state and
// must not be shared between goroutines, so each call gets its own chain.
func pipeline() transform.Transformer {
	return transform.Chain(
		runes.Map(foldDigit),
		cases.Upper(language.Und),
		runes.Remove(runes.Predicate(func(r rune) bool {
			return !isASCIILetter(r) && !isASCIIDigit(r)
		})),
	)
}

// Normalize returns the canonical fixed-width form of raw.
// A fixedSize <= 0 selects DefaultFixedSize.
func Normalize(raw string, fixedSize int) (string, error) {
	if fixedSize <= 0 {
		fixedSize = DefaultFixedSize
	}

	cleaned, _, err := transform.String(pipeline(), raw)
	if err != nil {
		return "", fmt.Errorf("normalize %q: %w", raw, err)
	}

	var alpha, digit strings.Builder
	for _, r := range cleaned {
		if isASCIILetter(r) {
			alpha.WriteRune(r)
		} else {
			digit.WriteRune(r)
		}
	}

	pad := fixedSize - alpha.Len() - digit.Len()
	if pad < 0 {
		return "", fmt.Errorf("%w: %d significant characters exceed width %d",
			ErrMalformedCode, alpha.Len()+digit.Len(), fixedSize)
	}

	var b strings.Builder
	b.Grow(fixedSize)
	b.WriteString(alpha.String())
	b.WriteString(strings.Repeat("0", pad))
	b.WriteString(digit.String())
	return b.String(), nil
}

// Normalizer binds a fixed width so callers do not thread it through every call.
// The zero value uses DefaultFixedSize.
type Normalizer struct {
	FixedSize int
}

// Normalize canonicalizes raw using the normalizer's width.
func (n Normalizer) Normalize(raw string) (string, error) {
	return Normalize(raw, n.FixedSize)
}

// Width reports the effective width of normalized codes.
func (n Normalizer) Width() int {
	if n.FixedSize <= 0 {
		return DefaultFixedSize
	}
	return n.FixedSize
}

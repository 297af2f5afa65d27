package util

import (
	"regexp"
	"strings"
)

var (
	reSpaces   = regexp.MustCompile(`\s+`)
	reMarkdown = regexp.MustCompile("[*_`]+")
)

// NormalizeName lower-cases and collapses whitespace. It deliberately keeps
// punctuation so that substring checks see the text the agent wrote.
func NormalizeName(input string) string {
	s := strings.ReplaceAll(input, "\u00A0", " ")
	s = strings.ToLower(s)
	s = reSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// FirstWord returns the first whitespace-separated token of the normalized input.
func FirstWord(input string) string {
	norm := NormalizeName(input)
	if norm == "" {
		return ""
	}
	if idx := strings.IndexByte(norm, ' '); idx >= 0 {
		return norm[:idx]
	}
	return norm
}

// CleanCell trims a table cell and strips markdown emphasis.
func CleanCell(input string) string {
	s := reMarkdown.ReplaceAllString(input, "")
	s = strings.ReplaceAll(s, "\u00A0", " ")
	s = reSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func CollapseSpaces(input string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(input, " "))
}

func DiceCoefficient(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	pairs := func(s string) []string {
		r := []rune(s)
		if len(r) < 2 {
			return nil
		}
		out := make([]string, 0, len(r)-1)
		for i := 0; i < len(r)-1; i++ {
			out = append(out, string(r[i:i+2]))
		}
		return out
	}

	aPairs := pairs(a)
	bPairs := pairs(b)
	if len(aPairs) == 0 || len(bPairs) == 0 {
		return 0
	}

	bCount := map[string]int{}
	for _, p := range bPairs {
		bCount[p]++
	}
	inter := 0
	for _, p := range aPairs {
		if bCount[p] > 0 {
			inter++
			bCount[p]--
		}
	}

	return float64(2*inter) / float64(len(aPairs)+len(bPairs))
}

func StringPtr(v string) *string { return &v }

func Deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

package pipeline

import (
	"regexp"
	"sort"
	"strings"

	"techscout/internal/util"
)

var (
	reConclusionsLabel     = regexp.MustCompile(`(?im)^[^\p{L}\n]*(?:conclusi[oó]n(?:es)?|conclusions?)\b[^:\n]*:?`)
	reRecommendationsLabel = regexp.MustCompile(`(?im)^[^\p{L}\n]*(?:recomendaci[oó]n(?:es)?|recommendations?)\b[^:\n]*:?`)

	// Any label that starts a new section ends the current prose block.
	reSectionLabel = regexp.MustCompile(`(?im)^[^\p{L}\n]*(?:conclusi[oó]n(?:es)?|conclusions?|recomendaci[oó]n(?:es)?|recommendations?|resumen|summary|pr[oó]ximos pasos|next steps|errores t[eé]cnicos|technical errors|tecnolog[ií]as\s+(?:evaluadas|a[ñn]adidas|en revisi[oó]n|rechazadas)|a[ñn]adidas|agregadas|en revisi[oó]n|rechazadas|descartadas)\b`)

	reBullet = regexp.MustCompile(`^\s*(?:[-*•·▪►✓]|\d{1,2}[.)])\s*`)
)

var notApplicable = map[string]struct{}{
	"n/a": {}, "na": {}, "no aplica": {}, "ninguna": {}, "ninguno": {}, "none": {}, "-": {},
}

var errorPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)errores? t[ée]cnicos?[^.!?\n]*[.!?]?`),
	regexp.MustCompile(`(?i)technical (?:errors?|issues?|problems?)[^.!?\n]*[.!?]?`),
	regexp.MustCompile(`(?i)no (?:se )?(?:pudo|pudieron|ha podido|han podido) completar[^.!?\n]*[.!?]?`),
	regexp.MustCompile(`(?i)(?:could not|couldn't|unable to) complete[^.!?\n]*[.!?]?`),
	regexp.MustCompile(`(?i)(?:herramienta|tool)[^.!?\n]{0,40}?(?:fall[óo]|failed|no (?:est[aá] )?disponible|unavailable|timed out)[^.!?\n]*[.!?]?`),
}

var (
	reBareErrorLabel = regexp.MustCompile(`(?i)^(?:errores? t[ée]cnicos?|technical (?:errors?|issues?|problems?))$`)
	reNoErrorsLabel  = regexp.MustCompile(`(?i)^(?:errores? t[ée]cnicos?|technical (?:errors?|issues?|problems?))\s*:?\s*(?:ningun[oa]s?|none|no|n/a|sin errores)\.?$`)
)

// negatedErrorLabel reports lines such as "Errores técnicos: ninguno".
func negatedErrorLabel(sentence string) bool {
	return reNoErrorsLabel.MatchString(strings.TrimSpace(util.CleanCell(sentence)))
}

func bareErrorLabel(sentence string) bool {
	return reBareErrorLabel.MatchString(strings.TrimSpace(strings.Trim(util.CleanCell(sentence), ":.#")))
}

// extractBlock captures everything between a starting label and the next
// section label (or the end of text), one entry per surviving line.
func extractBlock(text string, label *regexp.Regexp) []string {
	loc := label.FindStringIndex(text)
	if loc == nil {
		return []string{}
	}
	return blockLines(text[loc[1]:])
}

// blockLines cuts body at the next section label and keeps the lines that
// carry content. The remainder of the label line belongs to the block; the
// next section, or any markdown heading, can only start on a later line.
func blockLines(body string) []string {
	out := []string{}
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		if next := reSectionLabel.FindStringIndex(body[nl:]); next != nil {
			body = body[:nl+next[0]]
		}
	}

	for i, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if i > 0 && strings.HasPrefix(line, "#") {
			break
		}
		if line == "" || strings.HasPrefix(line, "|") {
			continue
		}
		line = reBullet.ReplaceAllString(line, "")
		line = util.CleanCell(line)
		if line == "" {
			continue
		}
		key := strings.TrimRight(strings.ToLower(line), ".")
		if _, ok := notApplicable[key]; ok {
			continue
		}
		out = append(out, line)
	}
	return out
}

type span struct{ start, end int }

// extractTechnicalErrors returns every failure sentence in text order. A match
// nested inside an earlier, longer match is the same sentence and is skipped.
func extractTechnicalErrors(text string) []string {
	spans := []span{}
	for _, re := range errorPhrases {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			spans = append(spans, span{loc[0], loc[1]})
		}
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	out := []string{}
	coveredTo := -1
	for _, s := range spans {
		if s.end <= coveredTo {
			continue
		}
		coveredTo = s.end
		sentence := strings.TrimSpace(text[s.start:s.end])
		if sentence == "" || bareErrorLabel(sentence) || negatedErrorLabel(sentence) {
			continue
		}
		out = append(out, sentence)
	}
	return out
}

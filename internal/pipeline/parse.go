package pipeline

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"techscout/internal"
	"techscout/internal/util"
)

// Summary labels are matched independently; order in the text does not matter.
var (
	reSummaryEvaluated = regexp.MustCompile(`(?i)(?:evaluad[oa]s|evaluated)[^:\n|]*:[ \t*_]*(\d+)`)
	reSummaryAdded     = regexp.MustCompile(`(?i)(?:a[ñn]adid[oa]s|agregad[oa]s|incorporad[oa]s|added)[^:\n|]*:[ \t*_]*(\d+)`)
	reSummaryReview    = regexp.MustCompile(`(?i)(?:revisi[oó]n|review)[^:\n|]*:[ \t*_]*(\d+)`)
	reSummaryRejected  = regexp.MustCompile(`(?i)(?:rechazad[oa]s|descartad[oa]s|rejected)[^:\n|]*:[ \t*_]*(\d+)`)

	reSummaryCountLine = regexp.MustCompile(`:[ \t*_]*\d+[ \t*_]*$`)
)

var categoryGlyphs = []struct {
	glyph    string
	category internal.Category
}{
	{"✅", internal.CategoryAdded},
	{"🟢", internal.CategoryAdded},
	{"❌", internal.CategoryRejected},
	{"🔴", internal.CategoryRejected},
	{"🔍", internal.CategoryReview},
	{"🟡", internal.CategoryReview},
	{"⚠", internal.CategoryReview},
	{"⏳", internal.CategoryReview},
}

var categoryTitles = []struct {
	re       *regexp.Regexp
	category internal.Category
}{
	{regexp.MustCompile(`^(?:tecnolog[ií]as\s+|technologies\s+)?(?:a[ñn]adidas|agregadas|incorporadas|aprobadas|added|approved)\b`), internal.CategoryAdded},
	{regexp.MustCompile(`^(?:tecnolog[ií]as\s+|technologies\s+)?(?:(?:en|para|enviadas a|in|for)\s+)?(?:revisi[oó]n|review|pendientes)\b`), internal.CategoryReview},
	{regexp.MustCompile(`^(?:tecnolog[ií]as\s+|technologies\s+)?(?:rechazadas|descartadas|rejected|discarded)\b`), internal.CategoryRejected},
}

var (
	reRuleFiller = regexp.MustCompile(`^:?[-=—]{2,}:?$`)
	reScore      = regexp.MustCompile(`^(-?\d+)(?:\s*(?:/\s*100|%|pts?))?$`)
	reTRL        = regexp.MustCompile(`(?i)^(?:trl\s*[-:]?\s*)?\d{1,2}$`)
)

var headerAliases = map[string]struct{}{
	"tecnología": {}, "tecnologia": {}, "technology": {},
	"nombre": {}, "name": {},
	"proveedor": {}, "provider": {},
	"n/a": {}, "na": {}, "no aplica": {}, "-": {},
}

const maxHeaderRunes = 60

// ParseReport extracts a structured report from the agent's free-form output.
// It never fails: sections that are absent or malformed come back empty.
func ParseReport(text string) internal.ParsedReport {
	report := emptyReport(text)
	if strings.TrimSpace(text) == "" {
		return report
	}

	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	report.Summary = extractSummary(normalized)
	report.Technologies = extractTechnologies(normalized)
	report.Conclusions = extractBlock(normalized, reConclusionsLabel)
	report.Recommendations = extractBlock(normalized, reRecommendationsLabel)

	issues := DetectTechnicalIssues(normalized, report.Summary, extractTechnicalErrors(normalized))
	report.HadTechnicalIssues = issues.HadIssues
	report.TechnicalErrors = issues.Errors
	return report
}

func emptyReport(text string) internal.ParsedReport {
	return internal.ParsedReport{
		Technologies: internal.TechnologyLists{
			Added:    []internal.ParsedTechnology{},
			Review:   []internal.ParsedTechnology{},
			Rejected: []internal.ParsedTechnology{},
		},
		Conclusions:     []string{},
		Recommendations: []string{},
		TechnicalErrors: []string{},
		RawText:         text,
	}
}

func extractSummary(text string) internal.ReportSummary {
	return internal.ReportSummary{
		Evaluated: firstCount(reSummaryEvaluated, text),
		Added:     firstCount(reSummaryAdded, text),
		Review:    firstCount(reSummaryReview, text),
		Rejected:  firstCount(reSummaryRejected, text),
	}
}

func firstCount(re *regexp.Regexp, text string) int {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func extractTechnologies(text string) internal.TechnologyLists {
	lists := emptyReport("").Technologies
	current := internal.CategoryReview

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if category, ok := detectCategoryHeader(line); ok {
			current = category
			continue
		}
		tech, ok := parseTechnologyRow(line)
		if !ok {
			continue
		}
		switch current {
		case internal.CategoryAdded:
			lists.Added = append(lists.Added, tech)
		case internal.CategoryRejected:
			lists.Rejected = append(lists.Rejected, tech)
		default:
			lists.Review = append(lists.Review, tech)
		}
	}
	return lists
}

// detectCategoryHeader treats any line with a status glyph as a header, even
// one carrying a count ("✅ Añadidas: 1"). Without a glyph, a bare title counts
// only when it is not a summary count line.
func detectCategoryHeader(line string) (internal.Category, bool) {
	if strings.HasPrefix(line, "|") {
		return "", false
	}

	for _, g := range categoryGlyphs {
		if strings.Contains(line, g.glyph) {
			return g.category, true
		}
	}

	if reSummaryCountLine.MatchString(line) {
		return "", false
	}

	title := strings.TrimLeftFunc(line, func(r rune) bool { return !unicode.IsLetter(r) })
	title = strings.ToLower(util.CleanCell(title))
	if title == "" || len([]rune(title)) > maxHeaderRunes {
		return "", false
	}
	for _, c := range categoryTitles {
		if c.re.MatchString(title) {
			return c.category, true
		}
	}
	return "", false
}

// parseTechnologyRow accepts "| name | provider | score | reason |" plus the
// extended forms with a TRL and/or country column before the reason.
func parseTechnologyRow(line string) (internal.ParsedTechnology, bool) {
	if !strings.HasPrefix(line, "|") {
		return internal.ParsedTechnology{}, false
	}
	inner := strings.TrimPrefix(line, "|")
	inner = strings.TrimSuffix(inner, "|")
	raw := strings.Split(inner, "|")
	if len(raw) < 4 {
		return internal.ParsedTechnology{}, false
	}
	cells := make([]string, len(raw))
	for i, c := range raw {
		cells[i] = util.CleanCell(c)
	}

	name, provider := cells[0], cells[1]
	if name == "" || isHeaderAlias(name) || isHeaderAlias(provider) {
		return internal.ParsedTechnology{}, false
	}

	m := reScore.FindStringSubmatch(cells[2])
	if m == nil {
		return internal.ParsedTechnology{}, false
	}
	score, err := strconv.Atoi(m[1])
	if err != nil {
		return internal.ParsedTechnology{}, false
	}

	tech := internal.ParsedTechnology{
		Name:     name,
		Provider: provider,
		Score:    score,
		Reason:   cells[len(cells)-1],
	}

	extras := cells[3 : len(cells)-1]
	switch {
	case len(extras) == 1 && extras[0] != "":
		if reTRL.MatchString(extras[0]) {
			tech.TRL = util.StringPtr(extras[0])
		} else {
			tech.Country = util.StringPtr(extras[0])
		}
	case len(extras) >= 2:
		if extras[0] != "" {
			tech.TRL = util.StringPtr(extras[0])
		}
		if extras[1] != "" {
			tech.Country = util.StringPtr(extras[1])
		}
	}
	return tech, true
}

func isHeaderAlias(cell string) bool {
	lower := strings.ToLower(strings.TrimSpace(cell))
	if _, ok := headerAliases[lower]; ok {
		return true
	}
	return reRuleFiller.MatchString(lower)
}

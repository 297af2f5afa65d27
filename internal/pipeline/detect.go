package pipeline

import (
	"techscout/internal"
)

const (
	countMismatchMessage = "El agente evaluó tecnologías pero no registró ninguna como añadida, en revisión o rechazada; es probable que la ejecución haya fallado."
	genericIssueMessage  = "El informe del agente contiene indicios de un fallo técnico; revise el texto original."
)

type TechnicalIssues struct {
	HadIssues bool
	Errors    []string
}

// DetectTechnicalIssues flags reports that look like a failed agent run: a
// known failure phrase anywhere in the text, or a summary that evaluated
// technologies without classifying any of them. Whenever the flag is set the
// returned list carries at least one explanation.
func DetectTechnicalIssues(raw string, summary internal.ReportSummary, extracted []string) TechnicalIssues {
	errs := make([]string, 0, len(extracted)+1)
	errs = append(errs, extracted...)

	phraseHit := hasFailurePhrase(raw)
	mismatch := hasCountMismatch(summary)

	if !phraseHit && !mismatch && len(errs) == 0 {
		return TechnicalIssues{HadIssues: false, Errors: errs}
	}

	if len(errs) == 0 {
		if mismatch {
			errs = append(errs, countMismatchMessage)
		} else {
			errs = append(errs, genericIssueMessage)
		}
	}
	return TechnicalIssues{HadIssues: true, Errors: errs}
}

// Only the all-zero case is treated as a failure; partial mismatches between
// evaluated and the category counts are normal agent output.
func hasCountMismatch(s internal.ReportSummary) bool {
	return s.Evaluated > 0 && s.Added+s.Review+s.Rejected == 0
}

// hasFailurePhrase ignores negated labels, and a bare section label counts
// only when something other than "ninguno" or "n/a" is listed under it.
func hasFailurePhrase(raw string) bool {
	for _, re := range errorPhrases {
		for _, loc := range re.FindAllStringIndex(raw, -1) {
			m := raw[loc[0]:loc[1]]
			if negatedErrorLabel(m) {
				continue
			}
			if bareErrorLabel(m) && len(blockLines(raw[loc[1]:])) == 0 {
				continue
			}
			return true
		}
	}
	return false
}

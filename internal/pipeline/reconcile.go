package pipeline

import (
	"strings"

	"techscout/internal"
	"techscout/internal/util"
)

type queueEntry struct {
	id       string
	name     string
	provider string
}

// Reconcile attaches the id of the first queue record (in queue order) that
// approximately matches each technology. Neither input is modified; an
// unmatched technology is returned with QueueID left nil.
func Reconcile(techs []internal.ParsedTechnology, queue []internal.QueueRecord) []internal.ParsedTechnology {
	entries := make([]queueEntry, 0, len(queue))
	for _, q := range queue {
		name := util.NormalizeName(q.Name)
		if name == "" {
			continue
		}
		entries = append(entries, queueEntry{id: q.ID, name: name, provider: util.NormalizeName(q.Provider)})
	}

	out := make([]internal.ParsedTechnology, len(techs))
	for i, tech := range techs {
		out[i] = tech
		out[i].QueueID = nil
		out[i].MatchScore = 0

		entry, ok := matchQueueEntry(tech, entries)
		if !ok {
			continue
		}
		out[i].QueueID = util.StringPtr(entry.id)
		out[i].MatchScore = util.DiceCoefficient(util.NormalizeName(tech.Name), entry.name)
	}
	return out
}

func ReconcileReport(report internal.ParsedReport, queue []internal.QueueRecord) internal.ParsedReport {
	out := report
	out.Technologies = internal.TechnologyLists{
		Added:    Reconcile(report.Technologies.Added, queue),
		Review:   Reconcile(report.Technologies.Review, queue),
		Rejected: Reconcile(report.Technologies.Rejected, queue),
	}
	return out
}

func matchQueueEntry(tech internal.ParsedTechnology, entries []queueEntry) (queueEntry, bool) {
	name := util.NormalizeName(tech.Name)
	provider := util.NormalizeName(tech.Provider)
	if name == "" || provider == "" {
		return queueEntry{}, false
	}
	nameWord := util.FirstWord(name)
	providerWord := util.FirstWord(provider)

	for _, e := range entries {
		if strings.Contains(e.name, name) || strings.Contains(name, e.name) {
			return e, true
		}
		if e.provider != "" && strings.Contains(e.name, nameWord) && strings.Contains(e.provider, providerWord) {
			return e, true
		}
	}
	return queueEntry{}, false
}

package pipeline

import (
	"strings"

	"techscout/internal"
	"techscout/internal/util"
)

type dedupKey struct {
	number string
	date   string
	amount string
}

func (k dedupKey) empty() bool {
	return k.number == "" && k.date == "" && k.amount == ""
}

func recordKey(r internal.PersistedRecord) dedupKey {
	amount := strings.ToLower(strings.TrimSpace(r.TotalAmount))
	if canonical, ok := util.CanonicalAmount(amount); ok {
		amount = canonical
	}
	return dedupKey{
		number: strings.ToLower(strings.TrimSpace(r.DocumentNumber)),
		date:   strings.ToLower(strings.TrimSpace(r.DocumentDate)),
		amount: amount,
	}
}

// DedupeRecords keeps the first record seen for each (number, date, amount)
// key and returns how many were dropped. Records without any key field are
// never collapsed into one another.
func DedupeRecords(records []internal.PersistedRecord) ([]internal.PersistedRecord, int) {
	seen := make(map[dedupKey]struct{}, len(records))
	out := make([]internal.PersistedRecord, 0, len(records))
	for _, r := range records {
		key := recordKey(r)
		if !key.empty() {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		out = append(out, r)
	}
	return out, len(records) - len(out)
}

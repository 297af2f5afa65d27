package util

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

var mailDateLayouts = []string{time.RFC1123Z, time.RFC1123, time.RFC822Z, time.RFC822, time.RFC850, time.ANSIC}

// MailReceivedAt normalizes a Date header to RFC3339 UTC, falling back to
// fallback when the header is missing or unparseable.
func MailReceivedAt(header string, fallback time.Time) string {
	if t, err := ParseMailDate(header); err == nil {
		return t.UTC().Format(time.RFC3339)
	}
	return fallback.UTC().Format(time.RFC3339)
}

func ParseMailDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if t, err := mail.ParseDate(value); err == nil {
		return t, nil
	}
	for _, layout := range mailDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date format: %q", value)
}

package connectors

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"techscout/internal/logging"
	"techscout/internal/storage"
)

type FetchService struct {
	connector     MailConnector
	store         *MailStoreService
	subjectFilter string
	log           *logrus.Entry
}

type FetchResult struct {
	Fetched int
	Stored  int
	Skipped int
}

// NewFetchService stores fetched mail under rawMailDir. When subjectFilter is
// set, only messages whose subject contains it (case-insensitive) are kept.
func NewFetchService(db *storage.DB, rawMailDir, subjectFilter string, connector MailConnector, logger *logrus.Logger) *FetchService {
	return &FetchService{
		connector:     connector,
		store:         NewMailStoreService(db, rawMailDir),
		subjectFilter: strings.ToLower(strings.TrimSpace(subjectFilter)),
		log:           logger.WithField("module", "connectors"),
	}
}

func (s *FetchService) FetchAndStore(ctx context.Context, label string, max int) (FetchResult, error) {
	messages, err := s.connector.FetchInbox(ctx, label, max)
	if err != nil {
		logging.LogError(s.log.Logger, "connectors", "FetchAndStore", "fetch inbox", logrus.Fields{"label": label}, err)
		return FetchResult{}, err
	}

	result := FetchResult{Fetched: len(messages)}
	for _, msg := range messages {
		if s.subjectFilter != "" && !strings.Contains(strings.ToLower(msg.Subject), s.subjectFilter) {
			result.Skipped++
			continue
		}
		if _, err := s.store.Store(msg); err != nil {
			return result, err
		}
		result.Stored++
	}

	s.log.WithFields(logrus.Fields{
		"label":   label,
		"fetched": result.Fetched,
		"stored":  result.Stored,
		"skipped": result.Skipped,
	}).Info("mail fetched")
	return result, nil
}

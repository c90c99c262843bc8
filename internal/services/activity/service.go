// Package activity records and lists the shelter activity log.
package activity

import (
	"context"
	"time"

	domain "github.com/gaushala/shelter/internal/domain/activity"
	"github.com/gaushala/shelter/internal/logging"
	"github.com/gaushala/shelter/internal/storage"
)

// DefaultPageSize is the number of entries on the logs page.
const DefaultPageSize = 50

// Service manages activity log entries.
type Service struct {
	store storage.ActivityStore
	log   *logging.Logger
}

// New constructs an activity service.
func New(store storage.ActivityStore, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewNop()
	}
	return &Service{store: store, log: log}
}

// Record stores entry. Failures are logged and swallowed so that the
// action that produced the entry still succeeds.
func (s *Service) Record(ctx context.Context, entry domain.Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if _, err := s.store.CreateActivity(ctx, entry); err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("activity_type", entry.ActivityType).Warn("failed to record activity")
	}
}

// Recent returns the newest n entries with their authors.
func (s *Service) Recent(ctx context.Context, n int) ([]domain.Entry, error) {
	if n <= 0 {
		n = DefaultPageSize
	}
	return s.store.RecentActivity(ctx, n)
}

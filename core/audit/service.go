package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/kibali/core"
)

var (
	// errors
	ErrEventNotFound = errors.New("audit event not found")
)

type (
	Repository interface {
		// CreateEvent performs a single atomic append.
		CreateEvent(ctx context.Context, evt Event, exec ...core.DBExecutor) (Event, error)
		// FilterEvents applies AND operation on available QueryFilter fields;
		// results are ordered by CreatedAt descending.
		FilterEvents(ctx context.Context, filter QueryFilter, exec ...core.DBExecutor) ([]Event, error)
		// GetLastVerifiedSuccess returns the most recent successful VERIFIED
		// event for a pass at or after `since`; ErrEventNotFound when none.
		GetLastVerifiedSuccess(ctx context.Context, passID string, since time.Time, exec ...core.DBExecutor) (Event, error)
	}

	Service struct {
		repo Repository
	}
)

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Record appends an event. Callers performing a pass transition pass their
// transaction so the transition and its trail commit together or neither
// does; a failed append fails the whole operation.
func (svc *Service) Record(ctx context.Context, evt Event, exec ...core.DBExecutor) (Event, error) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	recorded, err := svc.repo.CreateEvent(ctx, evt, exec...)
	return recorded, errors.Wrap(err, "recording audit event")
}

func (svc *Service) Filter(ctx context.Context, filter QueryFilter) ([]Event, error) {
	return svc.repo.FilterEvents(ctx, filter)
}

func (svc *Service) LastVerifiedSuccess(ctx context.Context, passID string, since time.Time) (Event, error) {
	return svc.repo.GetLastVerifiedSuccess(ctx, passID, since)
}

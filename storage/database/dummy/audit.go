package dummydb

import (
	"context"
	"time"

	"github.com/trezcool/kibali/core"
	"github.com/trezcool/kibali/core/audit"
)

type auditRepository struct {
	db *auditTable
}

var _ audit.Repository = (*auditRepository)(nil) // interface compliance check

func NewAuditRepository(db *DB) audit.Repository {
	return &auditRepository{db: db.audit}
}

func (repo *auditRepository) CreateEvent(ctx context.Context, evt audit.Event, _ ...core.DBExecutor) (audit.Event, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	repo.db.table = append(repo.db.table, evt)
	return evt, nil
}

func (repo *auditRepository) FilterEvents(ctx context.Context, filter audit.QueryFilter, _ ...core.DBExecutor) ([]audit.Event, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	// the table is append-only chronological; walk it backwards for
	// newest-first results
	events := make([]audit.Event, 0, len(repo.db.table))
	for i := len(repo.db.table) - 1; i >= 0; i-- {
		if evt := repo.db.table[i]; matchEvent(evt, filter) {
			events = append(events, evt)
		}
	}
	return events, nil
}

func matchEvent(evt audit.Event, filter audit.QueryFilter) bool {
	if filter.PassID != "" && evt.PassID != filter.PassID {
		return false
	}
	if filter.PassIDs != nil {
		var found bool
		for _, id := range filter.PassIDs {
			if evt.PassID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter.Types) > 0 {
		var found bool
		for _, t := range filter.Types {
			if evt.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.ActorID != "" && evt.ActorID != filter.ActorID {
		return false
	}
	if !filter.From.IsZero() && evt.CreatedAt.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && evt.CreatedAt.After(filter.To) {
		return false
	}
	return true
}

func (repo *auditRepository) GetLastVerifiedSuccess(ctx context.Context, passID string, since time.Time, _ ...core.DBExecutor) (audit.Event, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var last *audit.Event
	for i := range repo.db.table {
		evt := repo.db.table[i]
		if evt.PassID != passID || evt.Type != audit.EventVerified || evt.CreatedAt.Before(since) {
			continue
		}
		if !evt.Succeeded() {
			continue
		}
		if last == nil || evt.CreatedAt.After(last.CreatedAt) {
			last = &evt
		}
	}
	if last == nil {
		return audit.Event{}, audit.ErrEventNotFound
	}
	return *last, nil
}

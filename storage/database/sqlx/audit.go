package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/kibali/core"
	"github.com/trezcool/kibali/core/audit"
)

type auditRow struct {
	ID        string      `db:"id"`
	PassID    null.String `db:"pass_id"`
	EventType string      `db:"event_type"`
	ActorRole null.String `db:"actor_role"`
	ActorID   null.String `db:"actor_id"`
	Details   null.JSON   `db:"details"`
	CreatedAt time.Time   `db:"created_at"`
}

func (r auditRow) unpack() (audit.Event, error) {
	evt := audit.Event{
		ID:        r.ID,
		PassID:    r.PassID.String,
		Type:      audit.EventType(r.EventType),
		ActorRole: r.ActorRole.String,
		ActorID:   r.ActorID.String,
		CreatedAt: r.CreatedAt,
	}
	if r.Details.Valid {
		if err := json.Unmarshal(r.Details.JSON, &evt.Details); err != nil {
			return audit.Event{}, errors.Wrap(err, "decoding event details")
		}
	}
	return evt, nil
}

func packEvent(evt audit.Event) (auditRow, error) {
	r := auditRow{
		ID:        evt.ID,
		PassID:    null.NewString(evt.PassID, evt.PassID != ""),
		EventType: string(evt.Type),
		ActorRole: null.NewString(evt.ActorRole, evt.ActorRole != ""),
		ActorID:   null.NewString(evt.ActorID, evt.ActorID != ""),
		CreatedAt: evt.CreatedAt.UTC(),
	}
	if evt.Details != nil {
		raw, err := json.Marshal(evt.Details)
		if err != nil {
			return auditRow{}, errors.Wrap(err, "encoding event details")
		}
		r.Details = null.JSONFrom(raw)
	}
	return r, nil
}

type auditRepository struct {
	exec core.DBExecutor
}

var _ audit.Repository = (*auditRepository)(nil) // interface compliance check

func NewAuditRepository(exec core.DBExecutor) *auditRepository {
	return &auditRepository{exec: exec}
}

func (repo auditRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 {
		return svcExec[0]
	}
	return repo.exec
}

func (repo auditRepository) CreateEvent(ctx context.Context, evt audit.Event, exec ...core.DBExecutor) (audit.Event, error) {
	r, err := packEvent(evt)
	if err != nil {
		return audit.Event{}, err
	}
	q := `
INSERT INTO audit_event (id, pass_id, event_type, actor_role, actor_id, details, created_at)
VALUES (:id, :pass_id, :event_type, :actor_role, :actor_id, :details, :created_at)`
	if _, err = sqlx.NamedExecContext(ctx, repo.getExec(exec), q, r); err != nil {
		return audit.Event{}, errors.Wrap(err, "inserting audit event")
	}
	return evt, nil
}

func (repo auditRepository) FilterEvents(ctx context.Context, filter audit.QueryFilter, exec ...core.DBExecutor) ([]audit.Event, error) {
	q := `SELECT * FROM audit_event`
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.PassID != "" {
		conds = append(conds, fmt.Sprintf("pass_id = %s", arg(filter.PassID)))
	}
	if filter.PassIDs != nil {
		conds = append(conds, fmt.Sprintf("pass_id = ANY(%s)", arg(pq.Array(filter.PassIDs))))
	}
	if len(filter.Types) > 0 {
		types := make([]string, 0, len(filter.Types))
		for _, t := range filter.Types {
			types = append(types, string(t))
		}
		conds = append(conds, fmt.Sprintf("event_type = ANY(%s)", arg(pq.Array(types))))
	}
	if filter.ActorID != "" {
		conds = append(conds, fmt.Sprintf("actor_id = %s", arg(filter.ActorID)))
	}
	if !filter.From.IsZero() {
		conds = append(conds, fmt.Sprintf("created_at >= %s", arg(filter.From)))
	}
	if !filter.To.IsZero() {
		conds = append(conds, fmt.Sprintf("created_at <= %s", arg(filter.To)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"

	var rows []auditRow
	if err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "filtering audit events")
	}
	events := make([]audit.Event, 0, len(rows))
	for _, r := range rows {
		evt, err := r.unpack()
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

func (repo auditRepository) GetLastVerifiedSuccess(ctx context.Context, passID string, since time.Time, exec ...core.DBExecutor) (audit.Event, error) {
	q := `
SELECT * FROM audit_event
WHERE pass_id = $1 AND event_type = $2 AND created_at >= $3 AND details ->> $4 = $5
ORDER BY created_at DESC
LIMIT 1`
	var r auditRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &r, q,
		passID, string(audit.EventVerified), since.UTC(), audit.DetailOutcome, audit.OutcomeOK)
	if err != nil {
		if err == sql.ErrNoRows {
			return audit.Event{}, audit.ErrEventNotFound
		}
		return audit.Event{}, errors.Wrap(err, "getting last successful verification")
	}
	return r.unpack()
}

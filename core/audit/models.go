package audit

import "time"

type EventType string

const (
	EventRequest        EventType = "REQUEST"
	EventApproved       EventType = "APPROVED"
	EventRejected       EventType = "REJECTED"
	EventVerified       EventType = "VERIFIED"
	EventLatenessLogged EventType = "LATENESS_LOGGED"
	EventExpired        EventType = "EXPIRED"
)

// Detail keys/values shared by writers and the duplicate-scan query.
const (
	DetailOutcome = "outcome"
	DetailReason  = "reason"

	OutcomeOK     = "OK"
	OutcomeFailed = "FAILED"

	// SystemActor tags events emitted by background jobs rather than a user.
	SystemActor     = "system"
	SystemActorRole = "system:"
)

// Event is a single immutable audit record. Events are never updated or
// deleted after insertion.
type Event struct {
	ID        string                 `json:"id"`
	PassID    string                 `json:"pass_id,omitempty"` // empty for pre-pass system events
	Type      EventType              `json:"event_type"`
	ActorRole string                 `json:"actor_role"`
	ActorID   string                 `json:"actor_id"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"` // UTC
}

// Succeeded reports whether a VERIFIED event recorded a granted attempt.
func (e *Event) Succeeded() bool {
	if e.Details == nil {
		return false
	}
	return e.Details[DetailOutcome] == OutcomeOK
}

type QueryFilter struct {
	PassID  string      `query:"pass_id"`
	PassIDs []string    // department/student scoping; resolved by the caller
	Types   []EventType `query:"event_type"`
	ActorID string      `query:"actor_id"`
	From    time.Time   `query:"from"`
	To      time.Time   `query:"to"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.PassID == "" && qf.PassIDs == nil && qf.Types == nil && qf.ActorID == "" &&
		qf.From.IsZero() && qf.To.IsZero()
}

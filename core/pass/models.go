package pass

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/kibali/core"
)

type Kind string

const (
	KindGate      Kind = "GATE_PASS"
	KindSpecial   Kind = "SPECIAL_PASS"
	KindLateEntry Kind = "LATE_ENTRY"
)

var Kinds = []Kind{KindGate, KindSpecial, KindLateEntry}

type TierStatus string

const (
	TierPending  TierStatus = "PENDING"
	TierApproved TierStatus = "APPROVED"
	TierRejected TierStatus = "REJECTED"
)

// Status is the derived final status of a pass; see Pass.FinalStatus.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusUsed     Status = "USED"
	StatusExpired  Status = "EXPIRED"
)

// Approval tiers.
const (
	TierOne = 1
	TierTwo = 2
)

// Special-pass reasons verified visually at the gate; no QR/OTP is issued.
var credentialExemptReasons = map[string]struct{}{
	"ID Lost":    {},
	"ID Damaged": {},
}

// RequiresCredential reports whether a pass of this kind/reason carries a
// QR token and OTP. Late entries are recorded, not scanned.
func RequiresCredential(kind Kind, reason string) bool {
	if kind == KindLateEntry {
		return false
	}
	if kind == KindSpecial {
		if _, exempt := credentialExemptReasons[reason]; exempt {
			return false
		}
	}
	return true
}

// OneTimeUse reports whether the first successful verification consumes the
// pass.
func OneTimeUse(kind Kind) bool {
	return kind != KindLateEntry
}

type Pass struct {
	ID         string `json:"id"`
	StudentID  string `json:"student_id"`
	Kind       Kind   `json:"kind"`
	Reason     string `json:"reason"`
	Department string `json:"department"`

	// TwoTier is fixed at creation: faculty-routed requests need a second
	// HOD approval, HOD-routed requests do not.
	TwoTier         bool       `json:"two_tier"`
	Tier1Status     TierStatus `json:"tier1_status"`
	Tier2Status     TierStatus `json:"tier2_status"`
	Tier1ApproverID string     `json:"tier1_approver_id,omitempty"` // empty: open to department faculty
	Tier2ApproverID string     `json:"tier2_approver_id,omitempty"`
	Tier1Comment    string     `json:"tier1_comment,omitempty"`
	Tier2Comment    string     `json:"tier2_comment,omitempty"`

	RequiresCredential bool       `json:"requires_credential"`
	OneTimeUse         bool       `json:"one_time_use"`
	ValidFrom          time.Time  `json:"valid_from"`          // UTC
	ValidTo            *time.Time `json:"valid_to,omitempty"`  // UTC; nil: no return expected
	QRToken            string     `json:"-"`                   // never echoed in API payloads
	OTP                string     `json:"-"`
	DocumentPath       string     `json:"document_path,omitempty"`

	// terminal marks; one-way
	UsedAt    *time.Time `json:"used_at,omitempty"`
	ExpiredAt *time.Time `json:"expired_at,omitempty"`

	CreatedAt time.Time `json:"created_at"` // UTC
	UpdatedAt time.Time `json:"updated_at"` // UTC
}

func (p *Pass) HasCredential() bool {
	return p.QRToken != "" || p.OTP != ""
}

// FinalStatus derives the pass status from tier statuses and terminal marks.
// It is monotonic: Pending -> Approved|Rejected -> Used|Expired.
func (p *Pass) FinalStatus() Status {
	switch {
	case p.UsedAt != nil:
		return StatusUsed
	case p.ExpiredAt != nil:
		return StatusExpired
	case p.Tier1Status == TierRejected || p.Tier2Status == TierRejected:
		return StatusRejected
	case p.Tier1Status == TierApproved && p.Tier2Status == TierApproved:
		return StatusApproved
	default:
		return StatusPending
	}
}

// WindowEnded reports whether the validity window has closed.
func (p *Pass) WindowEnded(now time.Time) bool {
	return p.ValidTo != nil && now.After(*p.ValidTo)
}

// NewPassRequest contains information needed to create a new Pass.
type NewPassRequest struct {
	// StudentID may only be set by staff initiating a pass on a student's
	// behalf; students always request for themselves.
	StudentID  string     `json:"student_id" validate:"omitempty"`
	Kind       Kind       `json:"kind" validate:"required,passkind"`
	Reason     string     `json:"reason" validate:"required"`
	ApproverID string     `json:"approver_id" validate:"omitempty"`
	ValidFrom  time.Time  `json:"valid_from" validate:"required"`
	ValidTo    *time.Time `json:"valid_to"`
}

func (np *NewPassRequest) Validate(validate *validator.Validate) error {
	np.Reason = core.CleanString(np.Reason)
	np.StudentID = core.CleanString(np.StudentID)
	np.ApproverID = core.CleanString(np.ApproverID)

	if err := validate.Struct(np); err != nil {
		return err
	}
	if np.ValidTo != nil && !np.ValidFrom.Before(*np.ValidTo) {
		return core.NewValidationError(ErrInvalidTimeRange,
			core.FieldError{Field: "valid_to", Error: ErrInvalidTimeRange.Error()})
	}
	return nil
}

// Decision is an approver's action on a single tier.
type Decision struct {
	Tier    int    `json:"tier" validate:"required,oneof=1 2"`
	Approve *bool  `json:"approve" validate:"required"`
	Comment string `json:"comment"`
}

func (d *Decision) Validate(validate *validator.Validate) error {
	d.Comment = core.CleanString(d.Comment)
	return validate.Struct(d)
}

type QueryFilter struct {
	StudentID   string    `query:"student_id"`
	Department  string    `query:"department"`
	Kind        Kind      `query:"kind"`
	Status      Status    `query:"status"`
	CreatedFrom time.Time `query:"created_from"`
	CreatedTo   time.Time `query:"created_to"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.StudentID == "" && qf.Department == "" && qf.Kind == "" && qf.Status == "" &&
		qf.CreatedFrom.IsZero() && qf.CreatedTo.IsZero()
}

func (qf *QueryFilter) Clean() {
	qf.StudentID = core.CleanString(qf.StudentID)
	qf.Department = core.CleanString(qf.Department)
}

package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/kibali/core"
	"github.com/trezcool/kibali/core/pass"
)

type passRow struct {
	ID                 string      `db:"id"`
	StudentID          string      `db:"student_id"`
	Kind               string      `db:"kind"`
	Reason             string      `db:"reason"`
	Department         null.String `db:"department"`
	TwoTier            bool        `db:"two_tier"`
	Tier1Status        string      `db:"tier1_status"`
	Tier2Status        string      `db:"tier2_status"`
	Tier1ApproverID    null.String `db:"tier1_approver_id"`
	Tier2ApproverID    null.String `db:"tier2_approver_id"`
	Tier1Comment       null.String `db:"tier1_comment"`
	Tier2Comment       null.String `db:"tier2_comment"`
	RequiresCredential bool        `db:"requires_credential"`
	OneTimeUse         bool        `db:"one_time_use"`
	ValidFrom          time.Time   `db:"valid_from"`
	ValidTo            null.Time   `db:"valid_to"`
	QRToken            null.String `db:"qr_token"`
	OTP                null.String `db:"otp"`
	DocumentPath       null.String `db:"document_path"`
	UsedAt             null.Time   `db:"used_at"`
	ExpiredAt          null.Time   `db:"expired_at"`
	CreatedAt          null.Time   `db:"created_at"`
	UpdatedAt          null.Time   `db:"updated_at"`
}

func (r passRow) unpack() pass.Pass {
	return pass.Pass{
		ID:                 r.ID,
		StudentID:          r.StudentID,
		Kind:               pass.Kind(r.Kind),
		Reason:             r.Reason,
		Department:         r.Department.String,
		TwoTier:            r.TwoTier,
		Tier1Status:        pass.TierStatus(r.Tier1Status),
		Tier2Status:        pass.TierStatus(r.Tier2Status),
		Tier1ApproverID:    r.Tier1ApproverID.String,
		Tier2ApproverID:    r.Tier2ApproverID.String,
		Tier1Comment:       r.Tier1Comment.String,
		Tier2Comment:       r.Tier2Comment.String,
		RequiresCredential: r.RequiresCredential,
		OneTimeUse:         r.OneTimeUse,
		ValidFrom:          r.ValidFrom,
		ValidTo:            timePtr(r.ValidTo),
		QRToken:            r.QRToken.String,
		OTP:                r.OTP.String,
		DocumentPath:       r.DocumentPath.String,
		UsedAt:             timePtr(r.UsedAt),
		ExpiredAt:          timePtr(r.ExpiredAt),
		CreatedAt:          r.CreatedAt.Time,
		UpdatedAt:          r.UpdatedAt.Time,
	}
}

func timePtr(t null.Time) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func packPass(p pass.Pass) passRow {
	var validTo, usedAt, expiredAt null.Time
	if p.ValidTo != nil {
		validTo = null.TimeFrom(p.ValidTo.UTC())
	}
	if p.UsedAt != nil {
		usedAt = null.TimeFrom(p.UsedAt.UTC())
	}
	if p.ExpiredAt != nil {
		expiredAt = null.TimeFrom(p.ExpiredAt.UTC())
	}
	return passRow{
		ID:                 p.ID,
		StudentID:          p.StudentID,
		Kind:               string(p.Kind),
		Reason:             p.Reason,
		Department:         null.NewString(p.Department, p.Department != ""),
		TwoTier:            p.TwoTier,
		Tier1Status:        string(p.Tier1Status),
		Tier2Status:        string(p.Tier2Status),
		Tier1ApproverID:    null.NewString(p.Tier1ApproverID, p.Tier1ApproverID != ""),
		Tier2ApproverID:    null.NewString(p.Tier2ApproverID, p.Tier2ApproverID != ""),
		Tier1Comment:       null.NewString(p.Tier1Comment, p.Tier1Comment != ""),
		Tier2Comment:       null.NewString(p.Tier2Comment, p.Tier2Comment != ""),
		RequiresCredential: p.RequiresCredential,
		OneTimeUse:         p.OneTimeUse,
		ValidFrom:          p.ValidFrom.UTC(),
		ValidTo:            validTo,
		QRToken:            null.NewString(p.QRToken, p.QRToken != ""),
		OTP:                null.NewString(p.OTP, p.OTP != ""),
		DocumentPath:       null.NewString(p.DocumentPath, p.DocumentPath != ""),
		UsedAt:             usedAt,
		ExpiredAt:          expiredAt,
		CreatedAt:          null.NewTime(p.CreatedAt.UTC(), !p.CreatedAt.IsZero()),
		UpdatedAt:          null.NewTime(p.UpdatedAt.UTC(), !p.UpdatedAt.IsZero()),
	}
}

type passRepository struct {
	exec core.DBExecutor
}

var _ pass.Repository = (*passRepository)(nil) // interface compliance check

func NewPassRepository(exec core.DBExecutor) *passRepository {
	return &passRepository{exec: exec}
}

func (repo passRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 {
		return svcExec[0]
	}
	return repo.exec
}

// trapNoRowsErr maps psql "no rows" err to pass.ErrNotFound
func (repo passRepository) trapNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return pass.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func (repo passRepository) CreatePass(ctx context.Context, p pass.Pass, exec ...core.DBExecutor) (pass.Pass, error) {
	r := packPass(p)
	q := `
INSERT INTO pass (id, student_id, kind, reason, department, two_tier, tier1_status, tier2_status,
                  tier1_approver_id, tier2_approver_id, tier1_comment, tier2_comment,
                  requires_credential, one_time_use, valid_from, valid_to, qr_token, otp,
                  document_path, used_at, expired_at, created_at, updated_at)
VALUES (:id, :student_id, :kind, :reason, :department, :two_tier, :tier1_status, :tier2_status,
        :tier1_approver_id, :tier2_approver_id, :tier1_comment, :tier2_comment,
        :requires_credential, :one_time_use, :valid_from, :valid_to, :qr_token, :otp,
        :document_path, :used_at, :expired_at, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, repo.getExec(exec), q, r); err != nil {
		return pass.Pass{}, errors.Wrap(err, "inserting pass")
	}
	return p, nil
}

func (repo passRepository) GetPassByID(ctx context.Context, id string, exec ...core.DBExecutor) (pass.Pass, error) {
	var r passRow
	if err := sqlx.GetContext(ctx, repo.getExec(exec), &r, `SELECT * FROM pass WHERE id = $1`, id); err != nil {
		return pass.Pass{}, repo.trapNoRowsErr(err, "getting pass")
	}
	return r.unpack(), nil
}

func (repo passRepository) GetActivePassByOTP(ctx context.Context, studentID, otp string, exec ...core.DBExecutor) (pass.Pass, error) {
	var r passRow
	q := `
SELECT * FROM pass
WHERE student_id = $1 AND otp = $2
  AND tier1_status = 'APPROVED' AND tier2_status = 'APPROVED'
  AND used_at IS NULL AND expired_at IS NULL
ORDER BY created_at DESC
LIMIT 1`
	if err := sqlx.GetContext(ctx, repo.getExec(exec), &r, q, studentID, otp); err != nil {
		return pass.Pass{}, repo.trapNoRowsErr(err, "getting pass by OTP")
	}
	return r.unpack(), nil
}

func (repo passRepository) FilterPasses(ctx context.Context, filter pass.QueryFilter, orderings []core.DBOrdering, exec ...core.DBExecutor) ([]pass.Pass, error) {
	q := `SELECT * FROM pass`
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.StudentID != "" {
		conds = append(conds, fmt.Sprintf("student_id = %s", arg(filter.StudentID)))
	}
	if filter.Department != "" {
		conds = append(conds, fmt.Sprintf("department = %s", arg(filter.Department)))
	}
	if filter.Kind != "" {
		conds = append(conds, fmt.Sprintf("kind = %s", arg(string(filter.Kind))))
	}
	if filter.Status != "" {
		conds = append(conds, statusCond(filter.Status))
	}
	if !filter.CreatedFrom.IsZero() {
		conds = append(conds, fmt.Sprintf("created_at >= %s", arg(filter.CreatedFrom)))
	}
	if !filter.CreatedTo.IsZero() {
		conds = append(conds, fmt.Sprintf("created_at <= %s", arg(filter.CreatedTo)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}

	if len(orderings) > 0 {
		parts := make([]string, 0, len(orderings))
		for _, o := range orderings {
			parts = append(parts, o.String())
		}
		q += " ORDER BY " + strings.Join(parts, ", ")
	} else {
		q += " ORDER BY created_at DESC"
	}

	var rows []passRow
	if err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "filtering passes")
	}
	passes := make([]pass.Pass, 0, len(rows))
	for _, r := range rows {
		passes = append(passes, r.unpack())
	}
	return passes, nil
}

// statusCond translates a derived status into tier/terminal column checks.
func statusCond(status pass.Status) string {
	switch status {
	case pass.StatusUsed:
		return "used_at IS NOT NULL"
	case pass.StatusExpired:
		return "expired_at IS NOT NULL"
	case pass.StatusRejected:
		return "(tier1_status = 'REJECTED' OR tier2_status = 'REJECTED') AND used_at IS NULL AND expired_at IS NULL"
	case pass.StatusApproved:
		return "tier1_status = 'APPROVED' AND tier2_status = 'APPROVED' AND used_at IS NULL AND expired_at IS NULL"
	default: // pending
		return "tier1_status != 'REJECTED' AND tier2_status != 'REJECTED' AND " +
			"NOT (tier1_status = 'APPROVED' AND tier2_status = 'APPROVED') AND used_at IS NULL AND expired_at IS NULL"
	}
}

// DecideTier is the single conditional transition for both tiers. The WHERE
// clause is the gate: the tier must still be pending and the pass must not
// be terminal, so of two concurrent decisions exactly one row-matches and
// the other gets ErrAlreadyDecided. Tier 1 on a single-tier pass mirrors the
// decision onto tier 2; a tier 1 rejection on a two-tier pass cascades.
func (repo passRepository) DecideTier(ctx context.Context, passID string, tier int, approve bool, approverID, comment string, exec ...core.DBExecutor) (pass.Pass, error) {
	status := string(pass.TierRejected)
	if approve {
		status = string(pass.TierApproved)
	}
	now := time.Now().UTC()

	var q string
	if tier == pass.TierOne {
		q = `
UPDATE pass
SET tier1_status = $2,
    tier2_status = CASE
        WHEN NOT two_tier THEN $2
        WHEN $2 = 'REJECTED' THEN 'REJECTED'
        ELSE tier2_status
    END,
    tier1_approver_id = $3, tier1_comment = $4, updated_at = $5
WHERE id = $1 AND tier1_status = 'PENDING' AND used_at IS NULL AND expired_at IS NULL
RETURNING *`
	} else {
		q = `
UPDATE pass
SET tier2_status = $2, tier2_approver_id = $3, tier2_comment = $4, updated_at = $5
WHERE id = $1 AND tier2_status = 'PENDING' AND tier1_status = 'APPROVED'
  AND used_at IS NULL AND expired_at IS NULL
RETURNING *`
	}

	var r passRow
	if err := sqlx.GetContext(ctx, repo.getExec(exec), &r, q, passID, status, approverID, comment, now); err != nil {
		if err == sql.ErrNoRows {
			return pass.Pass{}, pass.ErrAlreadyDecided
		}
		return pass.Pass{}, errors.Wrap(err, "deciding tier")
	}
	return r.unpack(), nil
}

func (repo passRepository) SetCredential(ctx context.Context, passID string, cred pass.Credential, exec ...core.DBExecutor) (pass.Pass, bool, error) {
	q := `
UPDATE pass SET qr_token = $2, otp = $3, updated_at = $4
WHERE id = $1 AND qr_token IS NULL AND otp IS NULL
RETURNING *`
	var r passRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &r, q, passID, cred.QRToken, cred.OTP, time.Now().UTC())
	if err == nil {
		return r.unpack(), true, nil
	}
	if err != sql.ErrNoRows {
		return pass.Pass{}, false, errors.Wrap(err, "setting credential")
	}
	// a credential is already stored; hand back the winning one
	p, err := repo.GetPassByID(ctx, passID, exec...)
	return p, false, err
}

func (repo passRepository) MarkUsed(ctx context.Context, passID string, at time.Time, exec ...core.DBExecutor) (pass.Pass, error) {
	q := `
UPDATE pass SET used_at = $2, updated_at = $2
WHERE id = $1 AND tier1_status = 'APPROVED' AND tier2_status = 'APPROVED'
  AND used_at IS NULL AND expired_at IS NULL
RETURNING *`
	var r passRow
	if err := sqlx.GetContext(ctx, repo.getExec(exec), &r, q, passID, at.UTC()); err != nil {
		if err == sql.ErrNoRows {
			return pass.Pass{}, pass.ErrNotApproved
		}
		return pass.Pass{}, errors.Wrap(err, "consuming pass")
	}
	return r.unpack(), nil
}

func (repo passRepository) MarkExpired(ctx context.Context, passID string, at time.Time, exec ...core.DBExecutor) (pass.Pass, error) {
	q := `
UPDATE pass SET expired_at = $2, updated_at = $2
WHERE id = $1 AND (tier1_status = 'REJECTED' OR tier2_status = 'REJECTED')
  AND used_at IS NULL AND expired_at IS NULL
RETURNING *`
	var r passRow
	if err := sqlx.GetContext(ctx, repo.getExec(exec), &r, q, passID, at.UTC()); err != nil {
		if err == sql.ErrNoRows {
			return pass.Pass{}, pass.ErrStatusChanged
		}
		return pass.Pass{}, errors.Wrap(err, "expiring pass")
	}
	return r.unpack(), nil
}

func (repo passRepository) SetDocumentPath(ctx context.Context, passID, path string, exec ...core.DBExecutor) (pass.Pass, error) {
	q := `UPDATE pass SET document_path = $2, updated_at = $3 WHERE id = $1 RETURNING *`
	var r passRow
	if err := sqlx.GetContext(ctx, repo.getExec(exec), &r, q, passID, path, time.Now().UTC()); err != nil {
		return pass.Pass{}, repo.trapNoRowsErr(err, "setting document path")
	}
	return r.unpack(), nil
}

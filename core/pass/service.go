package pass

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/kibali/core"
	"github.com/trezcool/kibali/core/audit"
	"github.com/trezcool/kibali/core/user"
)

var (
	// errors
	ErrNotFound          = errors.New("pass not found")
	ErrInvalidTimeRange  = errors.New("valid_from must be before valid_to")
	ErrNotAuthorized     = errors.New("not authorized to act on this pass")
	ErrAlreadyDecided    = errors.New("this approval tier has already been decided")
	ErrTierNotActionable = errors.New("this tier is not actionable yet")
	ErrNotApproved       = errors.New("pass is not approved")
	ErrStatusChanged     = errors.New("pass status changed since scheduling")
)

type (
	Repository interface {
		CreatePass(ctx context.Context, p Pass, exec ...core.DBExecutor) (Pass, error)
		GetPassByID(ctx context.Context, id string, exec ...core.DBExecutor) (Pass, error)
		// GetActivePassByOTP finds the student's most recent approved,
		// unconsumed pass carrying this OTP; ErrNotFound when none.
		GetActivePassByOTP(ctx context.Context, studentID, otp string, exec ...core.DBExecutor) (Pass, error)
		FilterPasses(ctx context.Context, filter QueryFilter, orderings []core.DBOrdering, exec ...core.DBExecutor) ([]Pass, error)
		// DecideTier conditionally records a tier decision: the tier must
		// still be Pending and the pass must carry no terminal mark, else
		// ErrAlreadyDecided. Rejections cascade to tier 2; single-tier
		// passes mirror tier 1's decision onto tier 2.
		DecideTier(ctx context.Context, passID string, tier int, approve bool, approverID, comment string, exec ...core.DBExecutor) (Pass, error)
		// SetCredential stores a credential if and only if none exists yet;
		// the bool reports whether this call stored it (false: a credential
		// was already present and the stored one is returned unchanged).
		SetCredential(ctx context.Context, passID string, cred Credential, exec ...core.DBExecutor) (Pass, bool, error)
		// MarkUsed transitions an approved pass to Used; ErrNotApproved when
		// the pass is not currently approved (a concurrent scan may have won).
		MarkUsed(ctx context.Context, passID string, at time.Time, exec ...core.DBExecutor) (Pass, error)
		// MarkExpired transitions a still-rejected pass to Expired;
		// ErrStatusChanged when the pass moved on since scheduling.
		MarkExpired(ctx context.Context, passID string, at time.Time, exec ...core.DBExecutor) (Pass, error)
		SetDocumentPath(ctx context.Context, passID, path string, exec ...core.DBExecutor) (Pass, error)
	}

	Service struct {
		db        *sqlx.DB // nil in tests: repositories run without transactions
		repo      Repository
		usrRepo   user.Repository
		auditSvc  *audit.Service
		mailSvc   core.EmailService
		scheduler core.Scheduler
		logger    core.Logger
		conf      *core.Config
	}
)

func NewService(
	db *sqlx.DB,
	repo Repository,
	usrRepo user.Repository,
	auditSvc *audit.Service,
	mailSvc core.EmailService,
	scheduler core.Scheduler,
	logger core.Logger,
	conf *core.Config,
) *Service {
	return &Service{
		db:        db,
		repo:      repo,
		usrRepo:   usrRepo,
		auditSvc:  auditSvc,
		mailSvc:   mailSvc,
		scheduler: scheduler,
		logger:    logger,
		conf:      conf,
	}
}

// tx helpers

func (svc *Service) begin(ctx context.Context) (core.DBTransactor, error) {
	if svc.db == nil {
		return nil, nil
	}
	tx, err := svc.db.BeginTxx(ctx, nil)
	return tx, errors.Wrap(err, "beginning transaction")
}

func execs(tx core.DBTransactor) []core.DBExecutor {
	if tx == nil {
		return nil
	}
	return []core.DBExecutor{tx}
}

func commit(tx core.DBTransactor) error {
	if tx == nil {
		return nil
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

func rollback(tx core.DBTransactor) {
	if tx != nil {
		_ = tx.Rollback()
	}
}

// CreateRequest creates a pass in its initial state and resolves approval
// routing:
//   - faculty approver: two tiers, the department HOD implicitly holds tier 2;
//   - HOD approver: single tier, the HOD's decision settles both tiers;
//   - HOD requester: single tier, immediately approved (credential issued in
//     the same call when required);
//   - no approver: two tiers, tier 1 open to any faculty of the student's
//     department, tier 2 held by the department HOD.
func (svc *Service) CreateRequest(ctx context.Context, requester user.User, np NewPassRequest) (Pass, error) {
	if np.ValidTo != nil && !np.ValidFrom.Before(*np.ValidTo) {
		return Pass{}, core.NewValidationError(ErrInvalidTimeRange,
			core.FieldError{Field: "valid_to", Error: ErrInvalidTimeRange.Error()})
	}

	subject := requester
	if np.StudentID != "" && np.StudentID != requester.ID {
		if !requester.IsStaff() {
			return Pass{}, ErrNotAuthorized
		}
		var err error
		if subject, err = svc.usrRepo.GetUserByID(ctx, np.StudentID); err != nil {
			if errors.Cause(err) == user.ErrNotFound {
				return Pass{}, core.NewValidationError(err, core.FieldError{Field: "student_id", Error: "unknown student"})
			}
			return Pass{}, errors.Wrap(err, "finding student")
		}
	}

	now := NowFunc().UTC()
	p := Pass{
		ID:                 uuid.New().String(),
		StudentID:          subject.ID,
		Kind:               np.Kind,
		Reason:             np.Reason,
		Department:         subject.Department,
		Tier1Status:        TierPending,
		Tier2Status:        TierPending,
		RequiresCredential: RequiresCredential(np.Kind, np.Reason),
		OneTimeUse:         OneTimeUse(np.Kind),
		ValidFrom:          np.ValidFrom.UTC(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if np.ValidTo != nil {
		vt := np.ValidTo.UTC()
		p.ValidTo = &vt
	}

	var approver user.User
	switch {
	case requester.IsHOD():
		// HOD-initiated: self-approved on the spot
		p.TwoTier = false
		p.Tier1Status, p.Tier2Status = TierApproved, TierApproved
		p.Tier1ApproverID, p.Tier2ApproverID = requester.ID, requester.ID
	case np.ApproverID != "":
		var err error
		if approver, err = svc.usrRepo.GetUserByID(ctx, np.ApproverID); err != nil {
			if errors.Cause(err) == user.ErrNotFound {
				return Pass{}, core.NewValidationError(err, core.FieldError{Field: "approver_id", Error: "unknown approver"})
			}
			return Pass{}, errors.Wrap(err, "finding approver")
		}
		switch {
		case approver.IsHOD():
			p.TwoTier = false
			p.Tier1ApproverID, p.Tier2ApproverID = approver.ID, approver.ID
		case approver.IsFaculty():
			p.TwoTier = true
			p.Tier1ApproverID = approver.ID
			hod, err := svc.departmentHOD(ctx, p.Department)
			if err != nil {
				return Pass{}, err
			}
			p.Tier2ApproverID = hod.ID
		default:
			return Pass{}, core.NewValidationError(nil,
				core.FieldError{Field: "approver_id", Error: "approver must be a faculty member or an HOD"})
		}
	default:
		// department routing: any department faculty may take tier 1
		p.TwoTier = true
		hod, err := svc.departmentHOD(ctx, p.Department)
		if err != nil {
			return Pass{}, err
		}
		p.Tier2ApproverID = hod.ID
		approver = hod
	}

	tx, err := svc.begin(ctx)
	if err != nil {
		return Pass{}, err
	}
	if p, err = svc.repo.CreatePass(ctx, p, execs(tx)...); err != nil {
		rollback(tx)
		return Pass{}, errors.Wrap(err, "creating pass")
	}

	reqEvt := audit.Event{
		PassID:    p.ID,
		Type:      audit.EventRequest,
		ActorRole: requester.PrimaryRole(),
		ActorID:   requester.ID,
		Details:   map[string]interface{}{"kind": string(p.Kind), "reason": p.Reason},
	}
	if _, err = svc.auditSvc.Record(ctx, reqEvt, execs(tx)...); err != nil {
		rollback(tx)
		return Pass{}, err
	}

	credIssued := false
	if p.FinalStatus() == StatusApproved {
		if p, credIssued, err = svc.ensureCredential(ctx, p, tx); err != nil {
			rollback(tx)
			return Pass{}, err
		}
		if err = svc.recordApproval(ctx, requester, p, TierOne, credIssued, tx); err != nil {
			rollback(tx)
			return Pass{}, err
		}
	}
	if err = commit(tx); err != nil {
		return Pass{}, err
	}

	// notifications after commit; never block or fail the transition
	if p.FinalStatus() == StatusApproved {
		svc.notifyFinalApproval(ctx, subject, p)
	} else if p.Tier1ApproverID != "" {
		svc.notifyApprover(ctx, p.Tier1ApproverID, subject, p)
	} else {
		// open tier 1: the department HOD gets the heads-up
		svc.notifyApprover(ctx, approver.ID, subject, p)
	}
	return p, nil
}

// ActOnTier records an approver's decision on the next actionable tier and,
// at the final approval, issues the pass credential exactly once.
func (svc *Service) ActOnTier(ctx context.Context, actor user.User, passID string, d Decision) (Pass, error) {
	p, err := svc.repo.GetPassByID(ctx, passID)
	if err != nil {
		return Pass{}, err
	}

	switch p.FinalStatus() {
	case StatusRejected, StatusUsed, StatusExpired:
		return Pass{}, ErrAlreadyDecided
	}
	tier := d.Tier
	if tier == TierTwo && (!p.TwoTier || p.Tier1Status != TierApproved) {
		return Pass{}, ErrTierNotActionable
	}
	if (tier == TierOne && p.Tier1Status != TierPending) || (tier == TierTwo && p.Tier2Status != TierPending) {
		return Pass{}, ErrAlreadyDecided
	}
	if !canActOnTier(p, tier, actor) {
		return Pass{}, ErrNotAuthorized
	}

	approve := d.Approve != nil && *d.Approve

	tx, err := svc.begin(ctx)
	if err != nil {
		return Pass{}, err
	}
	if p, err = svc.repo.DecideTier(ctx, p.ID, tier, approve, actor.ID, d.Comment, execs(tx)...); err != nil {
		rollback(tx)
		return Pass{}, err // ErrAlreadyDecided on a lost race
	}

	if !approve {
		evt := audit.Event{
			PassID:    p.ID,
			Type:      audit.EventRejected,
			ActorRole: actor.PrimaryRole(),
			ActorID:   actor.ID,
			Details:   map[string]interface{}{"tier": tier, "comment": d.Comment},
		}
		if _, err = svc.auditSvc.Record(ctx, evt, execs(tx)...); err != nil {
			rollback(tx)
			return Pass{}, err
		}
		if err = commit(tx); err != nil {
			return Pass{}, err
		}
		svc.scheduleExpiry(p.ID)
		svc.notifyRejection(ctx, p, d.Comment)
		return p, nil
	}

	finalTier := !p.TwoTier || tier == TierTwo
	credIssued := false
	if finalTier {
		if p, credIssued, err = svc.ensureCredential(ctx, p, tx); err != nil {
			rollback(tx)
			return Pass{}, err
		}
	}
	if err = svc.recordApproval(ctx, actor, p, tier, credIssued, tx); err != nil {
		rollback(tx)
		return Pass{}, err
	}
	if err = commit(tx); err != nil {
		return Pass{}, err
	}

	if finalTier {
		if student, sErr := svc.usrRepo.GetUserByID(ctx, p.StudentID); sErr == nil {
			svc.notifyFinalApproval(ctx, student, p)
		}
	} else if p.Tier2ApproverID != "" {
		if student, sErr := svc.usrRepo.GetUserByID(ctx, p.StudentID); sErr == nil {
			svc.notifyApprover(ctx, p.Tier2ApproverID, student, p)
		}
	}
	return p, nil
}

// ensureCredential issues and stores the credential at most once; under a
// duplicate final-approval race the loser reads back the stored credential.
func (svc *Service) ensureCredential(ctx context.Context, p Pass, tx core.DBTransactor) (Pass, bool, error) {
	if !p.RequiresCredential || p.HasCredential() {
		return p, false, nil
	}
	cred, err := IssueCredential(svc.conf, p)
	if err != nil {
		return Pass{}, false, err
	}
	updated, issued, err := svc.repo.SetCredential(ctx, p.ID, cred, execs(tx)...)
	if err != nil {
		return Pass{}, false, errors.Wrap(err, "storing credential")
	}
	return updated, issued, nil
}

func (svc *Service) recordApproval(ctx context.Context, actor user.User, p Pass, tier int, credIssued bool, tx core.DBTransactor) error {
	evt := audit.Event{
		PassID:    p.ID,
		Type:      audit.EventApproved,
		ActorRole: actor.PrimaryRole(),
		ActorID:   actor.ID,
		Details:   map[string]interface{}{"tier": tier, "credential_issued": credIssued},
	}
	if _, err := svc.auditSvc.Record(ctx, evt, execs(tx)...); err != nil {
		return err
	}
	// a finally-approved late entry puts the lateness itself on record
	if p.Kind == KindLateEntry && p.FinalStatus() == StatusApproved {
		lateEvt := audit.Event{
			PassID:    p.ID,
			Type:      audit.EventLatenessLogged,
			ActorRole: actor.PrimaryRole(),
			ActorID:   actor.ID,
			Details:   map[string]interface{}{"student_id": p.StudentID, "date": p.ValidFrom.Format("2006-01-02")},
		}
		if _, err := svc.auditSvc.Record(ctx, lateEvt, execs(tx)...); err != nil {
			return err
		}
	}
	return nil
}

func (svc *Service) Get(ctx context.Context, id string) (Pass, error) {
	return svc.repo.GetPassByID(ctx, id)
}

func (svc *Service) Filter(ctx context.Context, filter QueryFilter, orderings []core.DBOrdering) ([]Pass, error) {
	return svc.repo.FilterPasses(ctx, filter, orderings)
}

// SetDocumentPath stores the path of the rendered pass document (produced
// by an external renderer).
func (svc *Service) SetDocumentPath(ctx context.Context, passID, path string) (Pass, error) {
	return svc.repo.SetDocumentPath(ctx, passID, path)
}

// scheduleExpiry registers the one-shot cleanup of a rejected pass.
func (svc *Service) scheduleExpiry(passID string) {
	fireAt := NowFunc().Add(svc.conf.Pass.RejectedPassTTL)
	svc.scheduler.Schedule(fireAt, func() { svc.Expire(passID) })
}

// Expire moves a still-rejected pass to its terminal Expired state. The
// pass is re-read first: one whose status changed since scheduling is left
// alone.
func (svc *Service) Expire(passID string) {
	ctx := context.Background()
	p, err := svc.repo.GetPassByID(ctx, passID)
	if err != nil {
		svc.logger.Error(fmt.Sprintf("expiring pass %s: %v", passID, err), err)
		return
	}
	if p.FinalStatus() != StatusRejected {
		return
	}

	tx, err := svc.begin(ctx)
	if err != nil {
		svc.logger.Error(fmt.Sprintf("expiring pass %s: %v", passID, err), err)
		return
	}
	if p, err = svc.repo.MarkExpired(ctx, passID, NowFunc().UTC(), execs(tx)...); err != nil {
		rollback(tx)
		if errors.Cause(err) != ErrStatusChanged {
			svc.logger.Error(fmt.Sprintf("expiring pass %s: %v", passID, err), err)
		}
		return
	}
	evt := audit.Event{
		PassID:    p.ID,
		Type:      audit.EventExpired,
		ActorRole: audit.SystemActorRole,
		ActorID:   audit.SystemActor,
	}
	if _, err = svc.auditSvc.Record(ctx, evt, execs(tx)...); err != nil {
		rollback(tx)
		svc.logger.Error(fmt.Sprintf("expiring pass %s: %v", passID, err), err)
		return
	}
	if err = commit(tx); err != nil {
		svc.logger.Error(fmt.Sprintf("expiring pass %s: %v", passID, err), err)
	}
}

// canActOnTier is the single capability check used by every tier
// transition precondition.
func canActOnTier(p Pass, tier int, actor user.User) bool {
	if !actor.IsStaff() {
		return false
	}
	switch tier {
	case TierOne:
		if p.Tier1ApproverID != "" {
			return actor.ID == p.Tier1ApproverID
		}
		// open tier: any faculty or HOD of the pass's department
		return (actor.IsFaculty() || actor.IsHOD()) && actor.Department == p.Department
	case TierTwo:
		if p.Tier2ApproverID != "" {
			return actor.ID == p.Tier2ApproverID
		}
		return actor.IsHOD() && actor.Department == p.Department
	}
	return false
}

// notifications

func (svc *Service) send(ctx context.Context, to user.User, subject, body string) {
	if to.Email == "" {
		return
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:      []mail.Address{{Name: to.Name, Address: to.Email}},
		Subject: subject,
		BodyStr: body,
	})
}

func (svc *Service) notifyApprover(ctx context.Context, approverID string, student user.User, p Pass) {
	approver, err := svc.usrRepo.GetUserByID(ctx, approverID)
	if err != nil {
		svc.logger.Warn(fmt.Sprintf("notifying approver %s: %v", approverID, err))
		return
	}
	svc.send(ctx, approver,
		"Pass request awaiting your approval",
		fmt.Sprintf("%s (%s) requested a %s: %s.", student.Name, student.Username, p.Kind, p.Reason))
}

func (svc *Service) notifyFinalApproval(ctx context.Context, student user.User, p Pass) {
	body := fmt.Sprintf("Your %s request has been approved.", p.Kind)
	if p.OTP != "" {
		body += fmt.Sprintf(" Your OTP is %s; present it with your ID if the QR code cannot be scanned.", p.OTP)
	}
	svc.send(ctx, student, "Pass approved", body)
}

func (svc *Service) notifyRejection(ctx context.Context, p Pass, comment string) {
	student, err := svc.usrRepo.GetUserByID(ctx, p.StudentID)
	if err != nil {
		svc.logger.Warn(fmt.Sprintf("notifying student %s: %v", p.StudentID, err))
		return
	}
	body := fmt.Sprintf("Your %s request has been rejected.", p.Kind)
	if comment != "" {
		body += " Reason: " + comment
	}
	svc.send(ctx, student, "Pass rejected", body)
}

func (svc *Service) departmentHOD(ctx context.Context, department string) (user.User, error) {
	hod, err := svc.usrRepo.GetDepartmentHOD(ctx, department)
	if err != nil {
		if errors.Cause(err) == user.ErrNoHOD {
			return user.User{}, core.NewValidationError(user.ErrNoHOD,
				core.FieldError{Field: "approver_id", Error: user.ErrNoHOD.Error()})
		}
		return user.User{}, errors.Wrap(err, "finding department HOD")
	}
	return hod, nil
}

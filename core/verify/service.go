package verify

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/kibali/core"
	"github.com/trezcool/kibali/core/audit"
	"github.com/trezcool/kibali/core/pass"
	"github.com/trezcool/kibali/core/user"
)

// Denial codes returned to the checkpoint. Every denied verification is
// still a successful API call; the outcome lives in the response body.
const (
	CodeInputRequired     = "INPUT_REQUIRED"
	CodeInvalidQR         = "INVALID_QR"
	CodePassNotFound      = "PASS_NOT_FOUND"
	CodeStudentNotFound   = "STUDENT_NOT_FOUND"
	CodeNoMatchingPass    = "NO_MATCHING_PASS"
	CodePassExpired       = "PASS_EXPIRED"
	CodeStatusNotApproved = "STATUS_NOT_APPROVED"
	CodeDuplicateScan     = "DUPLICATE_SCAN"
)

var denialReasons = map[string]string{
	CodeInputRequired:     "provide either a QR token or a student identifier with an OTP",
	CodeInvalidQR:         "the QR code is invalid or has expired",
	CodePassNotFound:      "no pass matches this QR code",
	CodeStudentNotFound:   "no such student",
	CodeNoMatchingPass:    "no approved pass matches this student and OTP",
	CodePassExpired:       "the pass validity window has ended",
	CodeStatusNotApproved: "the pass is not in an approved state",
	CodeDuplicateScan:     "this pass was already scanned moments ago",
}

type (
	// Input is what a checkpoint submits: a scanned QR token, or the
	// student identifier plus OTP fallback.
	Input struct {
		QRToken string `json:"qr_token"`
		Student string `json:"student"` // username or email
		OTP     string `json:"otp"`
	}

	Denial struct {
		Code   string `json:"code"`
		Reason string `json:"reason"`
	}

	// Summary is the subset of a pass shown to checkpoint staff.
	Summary struct {
		ID          string     `json:"id"`
		StudentID   string     `json:"student_id"`
		StudentName string     `json:"student_name,omitempty"`
		Kind        pass.Kind  `json:"kind"`
		Reason      string     `json:"reason"`
		ValidFrom   time.Time  `json:"valid_from"`
		ValidTo     *time.Time `json:"valid_to,omitempty"`
		UsedAt      *time.Time `json:"used_at,omitempty"`
	}

	Result struct {
		Granted bool     `json:"granted"`
		Denial  *Denial  `json:"denial,omitempty"`
		Pass    *Summary `json:"pass,omitempty"`
	}

	Service struct {
		db       *sqlx.DB
		passRepo pass.Repository
		usrRepo  user.Repository
		auditSvc *audit.Service
		mailSvc  core.EmailService
		logger   core.Logger
		conf     *core.Config
	}
)

// NowFunc returns the current time; tests swap it out.
var NowFunc func() time.Time = time.Now

func NewService(
	db *sqlx.DB,
	passRepo pass.Repository,
	usrRepo user.Repository,
	auditSvc *audit.Service,
	mailSvc core.EmailService,
	logger core.Logger,
	conf *core.Config,
) *Service {
	return &Service{
		db:       db,
		passRepo: passRepo,
		usrRepo:  usrRepo,
		auditSvc: auditSvc,
		mailSvc:  mailSvc,
		logger:   logger,
		conf:     conf,
	}
}

// Verify runs the checkpoint decision sequence for one scan: resolve the
// pass (QR token takes precedence over the OTP fallback), check the
// validity window, debounce duplicate scans, check the approval state,
// then consume one-time passes. Every attempt lands in the audit trail.
func (svc *Service) Verify(ctx context.Context, actor user.User, in Input) (Result, error) {
	now := NowFunc().UTC()

	if in.QRToken == "" && (in.Student == "" || in.OTP == "") {
		return svc.deny(ctx, actor, "", CodeInputRequired, nil)
	}

	var (
		p   pass.Pass
		err error
	)
	if in.QRToken != "" {
		claims, vErr := pass.VerifyQRToken(svc.conf, in.QRToken)
		if vErr != nil {
			return svc.deny(ctx, actor, "", CodeInvalidQR, nil)
		}
		if p, err = svc.passRepo.GetPassByID(ctx, claims.Subject); err != nil {
			if errors.Cause(err) == pass.ErrNotFound {
				return svc.deny(ctx, actor, "", CodePassNotFound, nil)
			}
			return Result{}, errors.Wrap(err, "resolving pass")
		}
	} else {
		student, sErr := svc.usrRepo.GetUserByUsernameOrEmail(ctx, in.Student)
		if sErr != nil {
			if errors.Cause(sErr) == user.ErrNotFound {
				return svc.deny(ctx, actor, "", CodeStudentNotFound, nil)
			}
			return Result{}, errors.Wrap(sErr, "resolving student")
		}
		if p, err = svc.passRepo.GetActivePassByOTP(ctx, student.ID, in.OTP); err != nil {
			if errors.Cause(err) == pass.ErrNotFound {
				return svc.deny(ctx, actor, "", CodeNoMatchingPass, nil)
			}
			return Result{}, errors.Wrap(err, "resolving pass by OTP")
		}
	}

	if p.WindowEnded(now) {
		return svc.deny(ctx, actor, p.ID, CodePassExpired, &p)
	}

	// debounce: a repeat scan of the same pass within the window answers
	// like the first one did, regardless of what that first scan consumed
	since := now.Add(-svc.conf.Pass.DuplicateScanWindow)
	if _, dErr := svc.auditSvc.LastVerifiedSuccess(ctx, p.ID, since); dErr == nil {
		return svc.deny(ctx, actor, p.ID, CodeDuplicateScan, &p)
	} else if errors.Cause(dErr) != audit.ErrEventNotFound {
		return Result{}, errors.Wrap(dErr, "checking recent scans")
	}

	if p.FinalStatus() != pass.StatusApproved {
		return svc.deny(ctx, actor, p.ID, CodeStatusNotApproved, &p)
	}

	tx, err := svc.begin(ctx)
	if err != nil {
		return Result{}, err
	}
	if p.OneTimeUse {
		used, mErr := svc.passRepo.MarkUsed(ctx, p.ID, now, execs(tx)...)
		if mErr != nil {
			rollback(tx)
			if errors.Cause(mErr) == pass.ErrNotApproved {
				// a concurrent scan consumed the pass first; re-read so
				// staff still see what they scanned
				if cur, gErr := svc.passRepo.GetPassByID(ctx, p.ID); gErr == nil {
					p = cur
				}
				return svc.deny(ctx, actor, p.ID, CodeStatusNotApproved, &p)
			}
			return Result{}, errors.Wrap(mErr, "consuming pass")
		}
		p = used
	}
	evt := audit.Event{
		PassID:    p.ID,
		Type:      audit.EventVerified,
		ActorRole: actor.PrimaryRole(),
		ActorID:   actor.ID,
		Details:   map[string]interface{}{audit.DetailOutcome: audit.OutcomeOK},
	}
	if _, err = svc.auditSvc.Record(ctx, evt, execs(tx)...); err != nil {
		rollback(tx)
		return Result{}, err
	}
	if err = commit(tx); err != nil {
		return Result{}, err
	}

	svc.notifyUsed(ctx, p)
	return Result{Granted: true, Pass: svc.summarize(ctx, p)}, nil
}

// notifyUsed tells the student their pass was scanned. Fire-and-forget
// after commit; delivery never affects the verification outcome.
func (svc *Service) notifyUsed(ctx context.Context, p pass.Pass) {
	student, err := svc.usrRepo.GetUserByID(ctx, p.StudentID)
	if err != nil || student.Email == "" {
		if err != nil {
			svc.logger.Warn(fmt.Sprintf("notifying student %s: %v", p.StudentID, err))
		}
		return
	}
	body := fmt.Sprintf("Your %s was verified at the checkpoint.", p.Kind)
	if p.OneTimeUse {
		body += " It is now marked as used."
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:      []mail.Address{{Name: student.Name, Address: student.Email}},
		Subject: "Pass used",
		BodyStr: body,
	})
}

// deny records the failed attempt and shapes the denial response. Denials
// carrying a resolved pass include its summary so checkpoint staff can see
// what they scanned.
func (svc *Service) deny(ctx context.Context, actor user.User, passID, code string, p *pass.Pass) (Result, error) {
	evt := audit.Event{
		PassID:    passID,
		Type:      audit.EventVerified,
		ActorRole: actor.PrimaryRole(),
		ActorID:   actor.ID,
		Details: map[string]interface{}{
			audit.DetailOutcome: audit.OutcomeFailed,
			audit.DetailReason:  code,
		},
	}
	if _, err := svc.auditSvc.Record(ctx, evt); err != nil {
		return Result{}, err
	}
	res := Result{Denial: &Denial{Code: code, Reason: denialReasons[code]}}
	if p != nil {
		res.Pass = svc.summarize(ctx, *p)
	}
	return res, nil
}

func (svc *Service) summarize(ctx context.Context, p pass.Pass) *Summary {
	s := &Summary{
		ID:        p.ID,
		StudentID: p.StudentID,
		Kind:      p.Kind,
		Reason:    p.Reason,
		ValidFrom: p.ValidFrom,
		ValidTo:   p.ValidTo,
		UsedAt:    p.UsedAt,
	}
	if student, err := svc.usrRepo.GetUserByID(ctx, p.StudentID); err == nil {
		s.StudentName = student.Name
	} else {
		svc.logger.Warn(fmt.Sprintf("resolving student %s: %v", p.StudentID, err))
	}
	return s
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

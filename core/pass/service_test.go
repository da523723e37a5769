package pass_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/kibali/core"
	"github.com/trezcool/kibali/core/audit"
	"github.com/trezcool/kibali/core/pass"
	"github.com/trezcool/kibali/core/user"
	emailsvc "github.com/trezcool/kibali/services/email"
	schedsvc "github.com/trezcool/kibali/services/scheduler"
	dummydb "github.com/trezcool/kibali/storage/database/dummy"
)

type nopLogger struct{}

func (nopLogger) Enable(bool)                  {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}

type testEnv struct {
	svc       *pass.Service
	passRepo  pass.Repository
	usrRepo   user.Repository
	auditSvc  *audit.Service
	scheduler *schedsvc.StubScheduler
	conf      *core.Config
}

func setup(t *testing.T) *testEnv {
	t.Helper()

	db, err := dummydb.Open()
	require.NoError(t, err)

	conf := &core.Config{
		AppName:       "Kibali",
		SecretKey:     "session-secret",
		PassSecretKey: "pass-secret",
		TestMode:      true,
		Pass: core.PassConfig{
			QRValidityDelta:     24 * time.Hour,
			DuplicateScanWindow: 60 * time.Second,
			RejectedPassTTL:     24 * time.Hour,
		},
	}

	usrRepo := dummydb.NewUserRepository(db)
	passRepo := dummydb.NewPassRepository(db)
	auditSvc := audit.NewService(dummydb.NewAuditRepository(db))
	scheduler := schedsvc.NewStubScheduler()

	svc := pass.NewService(
		nil, passRepo, usrRepo, auditSvc,
		emailsvc.NewConsoleServiceMock(conf), scheduler, nopLogger{}, conf,
	)
	return &testEnv{
		svc:       svc,
		passRepo:  passRepo,
		usrRepo:   usrRepo,
		auditSvc:  auditSvc,
		scheduler: scheduler,
		conf:      conf,
	}
}

func createUser(t *testing.T, repo user.Repository, name, dept string, roles []string) user.User {
	t.Helper()
	usr := user.User{
		Name:       name,
		Username:   name,
		Email:      name + "@test.cd",
		Department: dept,
		Roles:      roles,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	usr.SetActive(true)
	require.NoError(t, usr.SetPassword("secret"))
	usr, err := repo.CreateUser(context.Background(), usr)
	require.NoError(t, err)
	return usr
}

func bPtr(b bool) *bool { return &b }

func newRequest(kind pass.Kind, approverID string) pass.NewPassRequest {
	now := time.Now().UTC()
	validTo := now.Add(8 * time.Hour)
	return pass.NewPassRequest{
		Kind:       kind,
		Reason:     "Medical appointment",
		ApproverID: approverID,
		ValidFrom:  now,
		ValidTo:    &validTo,
	}
}

func events(t *testing.T, env *testEnv, passID string) []audit.Event {
	t.Helper()
	evts, err := env.auditSvc.Filter(context.Background(), audit.QueryFilter{PassID: passID})
	require.NoError(t, err)
	return evts
}

func eventTypes(evts []audit.Event) []audit.EventType {
	types := make([]audit.EventType, 0, len(evts))
	for _, e := range evts {
		types = append(types, e.Type)
	}
	return types
}

func Test_Service_CreateRequest_routing(t *testing.T) {
	ctx := context.Background()

	t.Run("no approver routes to department", func(t *testing.T) {
		env := setup(t)
		hod := createUser(t, env.usrRepo, "hod", "CS", []string{user.RoleStaffHOD})
		student := createUser(t, env.usrRepo, "student1", "CS", []string{user.RoleStudent})

		p, err := env.svc.CreateRequest(ctx, student, newRequest(pass.KindGate, ""))
		require.NoError(t, err)

		assert.True(t, p.TwoTier)
		assert.Empty(t, p.Tier1ApproverID) // open to department faculty
		assert.Equal(t, hod.ID, p.Tier2ApproverID)
		assert.Equal(t, pass.StatusPending, p.FinalStatus())
		assert.Equal(t, "CS", p.Department)
		assert.True(t, p.RequiresCredential)
		assert.True(t, p.OneTimeUse)
		assert.Equal(t, []audit.EventType{audit.EventRequest}, eventTypes(events(t, env, p.ID)))
	})

	t.Run("faculty approver adds HOD tier", func(t *testing.T) {
		env := setup(t)
		hod := createUser(t, env.usrRepo, "hod", "CS", []string{user.RoleStaffHOD})
		faculty := createUser(t, env.usrRepo, "faculty1", "CS", []string{user.RoleStaffFaculty})
		student := createUser(t, env.usrRepo, "student1", "CS", []string{user.RoleStudent})

		p, err := env.svc.CreateRequest(ctx, student, newRequest(pass.KindGate, faculty.ID))
		require.NoError(t, err)

		assert.True(t, p.TwoTier)
		assert.Equal(t, faculty.ID, p.Tier1ApproverID)
		assert.Equal(t, hod.ID, p.Tier2ApproverID)
		assert.Equal(t, pass.StatusPending, p.FinalStatus())
	})

	t.Run("HOD approver settles in one tier", func(t *testing.T) {
		env := setup(t)
		hod := createUser(t, env.usrRepo, "hod", "CS", []string{user.RoleStaffHOD})
		student := createUser(t, env.usrRepo, "student1", "CS", []string{user.RoleStudent})

		p, err := env.svc.CreateRequest(ctx, student, newRequest(pass.KindGate, hod.ID))
		require.NoError(t, err)

		assert.False(t, p.TwoTier)
		assert.Equal(t, hod.ID, p.Tier1ApproverID)
		assert.Equal(t, hod.ID, p.Tier2ApproverID)
		assert.Equal(t, pass.StatusPending, p.FinalStatus())
	})

	t.Run("HOD requester is approved on the spot", func(t *testing.T) {
		env := setup(t)
		hod := createUser(t, env.usrRepo, "hod", "CS", []string{user.RoleStaffHOD})
		student := createUser(t, env.usrRepo, "student1", "CS", []string{user.RoleStudent})

		np := newRequest(pass.KindGate, "")
		np.StudentID = student.ID
		p, err := env.svc.CreateRequest(ctx, hod, np)
		require.NoError(t, err)

		assert.False(t, p.TwoTier)
		assert.Equal(t, pass.StatusApproved, p.FinalStatus())
		assert.Equal(t, student.ID, p.StudentID)
		assert.True(t, p.HasCredential())
		assert.Equal(t,
			[]audit.EventType{audit.EventApproved, audit.EventRequest},
			eventTypes(events(t, env, p.ID)))
	})

	t.Run("no HOD in department fails", func(t *testing.T) {
		env := setup(t)
		student := createUser(t, env.usrRepo, "student1", "CS", []string{user.RoleStudent})

		_, err := env.svc.CreateRequest(ctx, student, newRequest(pass.KindGate, ""))
		require.Error(t, err)
		_, ok := err.(*core.ValidationError)
		assert.True(t, ok, "want *core.ValidationError, got %T", err)
	})

	t.Run("student cannot request for another student", func(t *testing.T) {
		env := setup(t)
		createUser(t, env.usrRepo, "hod", "CS", []string{user.RoleStaffHOD})
		student := createUser(t, env.usrRepo, "student1", "CS", []string{user.RoleStudent})
		other := createUser(t, env.usrRepo, "student2", "CS", []string{user.RoleStudent})

		np := newRequest(pass.KindGate, "")
		np.StudentID = other.ID
		_, err := env.svc.CreateRequest(ctx, student, np)
		assert.Equal(t, pass.ErrNotAuthorized, err)
	})

	t.Run("inverted validity window fails", func(t *testing.T) {
		env := setup(t)
		createUser(t, env.usrRepo, "hod", "CS", []string{user.RoleStaffHOD})
		student := createUser(t, env.usrRepo, "student1", "CS", []string{user.RoleStudent})

		np := newRequest(pass.KindGate, "")
		validTo := np.ValidFrom.Add(-time.Hour)
		np.ValidTo = &validTo
		_, err := env.svc.CreateRequest(ctx, student, np)
		require.Error(t, err)
		_, ok := err.(*core.ValidationError)
		assert.True(t, ok, "want *core.ValidationError, got %T", err)
	})
}

func Test_Service_ActOnTier(t *testing.T) {
	ctx := context.Background()

	type fixture struct {
		env      *testEnv
		hod      user.User
		faculty  user.User
		student  user.User
		outsider user.User
	}
	prepare := func(t *testing.T) fixture {
		env := setup(t)
		return fixture{
			env:      env,
			hod:      createUser(t, env.usrRepo, "hod", "CS", []string{user.RoleStaffHOD}),
			faculty:  createUser(t, env.usrRepo, "faculty1", "CS", []string{user.RoleStaffFaculty}),
			student:  createUser(t, env.usrRepo, "student1", "CS", []string{user.RoleStudent}),
			outsider: createUser(t, env.usrRepo, "faculty2", "EE", []string{user.RoleStaffFaculty}),
		}
	}

	t.Run("full two-tier approval issues credential at the end", func(t *testing.T) {
		f := prepare(t)
		p, err := f.env.svc.CreateRequest(ctx, f.student, newRequest(pass.KindGate, f.faculty.ID))
		require.NoError(t, err)

		p, err = f.env.svc.ActOnTier(ctx, f.faculty, p.ID, pass.Decision{Tier: pass.TierOne, Approve: bPtr(true)})
		require.NoError(t, err)
		assert.Equal(t, pass.StatusPending, p.FinalStatus())
		assert.False(t, p.HasCredential()) // not final yet

		p, err = f.env.svc.ActOnTier(ctx, f.hod, p.ID, pass.Decision{Tier: pass.TierTwo, Approve: bPtr(true)})
		require.NoError(t, err)
		assert.Equal(t, pass.StatusApproved, p.FinalStatus())
		assert.True(t, p.HasCredential())
		assert.NotEmpty(t, p.OTP)
		assert.Len(t, p.OTP, 3)

		evts := events(t, f.env, p.ID)
		assert.Equal(t,
			[]audit.EventType{audit.EventApproved, audit.EventApproved, audit.EventRequest},
			eventTypes(evts))
	})

	t.Run("tier 2 cannot be decided before tier 1", func(t *testing.T) {
		f := prepare(t)
		p, err := f.env.svc.CreateRequest(ctx, f.student, newRequest(pass.KindGate, f.faculty.ID))
		require.NoError(t, err)

		_, err = f.env.svc.ActOnTier(ctx, f.hod, p.ID, pass.Decision{Tier: pass.TierTwo, Approve: bPtr(true)})
		assert.Equal(t, pass.ErrTierNotActionable, err)
	})

	t.Run("decided tier cannot be decided again", func(t *testing.T) {
		f := prepare(t)
		p, err := f.env.svc.CreateRequest(ctx, f.student, newRequest(pass.KindGate, f.faculty.ID))
		require.NoError(t, err)

		_, err = f.env.svc.ActOnTier(ctx, f.faculty, p.ID, pass.Decision{Tier: pass.TierOne, Approve: bPtr(true)})
		require.NoError(t, err)
		_, err = f.env.svc.ActOnTier(ctx, f.faculty, p.ID, pass.Decision{Tier: pass.TierOne, Approve: bPtr(false)})
		assert.Equal(t, pass.ErrAlreadyDecided, err)
	})

	t.Run("outsider staff cannot act", func(t *testing.T) {
		f := prepare(t)
		p, err := f.env.svc.CreateRequest(ctx, f.student, newRequest(pass.KindGate, f.faculty.ID))
		require.NoError(t, err)

		_, err = f.env.svc.ActOnTier(ctx, f.outsider, p.ID, pass.Decision{Tier: pass.TierOne, Approve: bPtr(true)})
		assert.Equal(t, pass.ErrNotAuthorized, err)
	})

	t.Run("student cannot act", func(t *testing.T) {
		f := prepare(t)
		p, err := f.env.svc.CreateRequest(ctx, f.student, newRequest(pass.KindGate, ""))
		require.NoError(t, err)

		_, err = f.env.svc.ActOnTier(ctx, f.student, p.ID, pass.Decision{Tier: pass.TierOne, Approve: bPtr(true)})
		assert.Equal(t, pass.ErrNotAuthorized, err)
	})

	t.Run("open tier 1 accepts any department faculty", func(t *testing.T) {
		f := prepare(t)
		p, err := f.env.svc.CreateRequest(ctx, f.student, newRequest(pass.KindGate, ""))
		require.NoError(t, err)
		require.Empty(t, p.Tier1ApproverID)

		p, err = f.env.svc.ActOnTier(ctx, f.faculty, p.ID, pass.Decision{Tier: pass.TierOne, Approve: bPtr(true)})
		require.NoError(t, err)
		assert.Equal(t, f.faculty.ID, p.Tier1ApproverID)
	})

	t.Run("rejection is terminal and schedules cleanup", func(t *testing.T) {
		f := prepare(t)
		p, err := f.env.svc.CreateRequest(ctx, f.student, newRequest(pass.KindGate, f.faculty.ID))
		require.NoError(t, err)

		p, err = f.env.svc.ActOnTier(ctx, f.faculty, p.ID,
			pass.Decision{Tier: pass.TierOne, Approve: bPtr(false), Comment: "timing clash"})
		require.NoError(t, err)
		assert.Equal(t, pass.StatusRejected, p.FinalStatus())

		// no further decisions
		_, err = f.env.svc.ActOnTier(ctx, f.hod, p.ID, pass.Decision{Tier: pass.TierTwo, Approve: bPtr(true)})
		assert.Equal(t, pass.ErrAlreadyDecided, err)

		// cleanup was scheduled; firing it expires the pass and records it
		require.Len(t, f.env.scheduler.FireAts, 1)
		f.env.scheduler.RunAll()

		p, err = f.env.svc.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, pass.StatusExpired, p.FinalStatus())

		evts := events(t, f.env, p.ID)
		require.NotEmpty(t, evts)
		assert.Equal(t, audit.EventExpired, evts[0].Type)
		assert.Equal(t, audit.SystemActor, evts[0].ActorID)
	})

	t.Run("expiry leaves a pass alone if its status moved on", func(t *testing.T) {
		f := prepare(t)
		p, err := f.env.svc.CreateRequest(ctx, f.student, newRequest(pass.KindGate, f.hod.ID))
		require.NoError(t, err)
		p, err = f.env.svc.ActOnTier(ctx, f.hod, p.ID, pass.Decision{Tier: pass.TierOne, Approve: bPtr(true)})
		require.NoError(t, err)
		require.Equal(t, pass.StatusApproved, p.FinalStatus())

		f.env.svc.Expire(p.ID)
		p, err = f.env.svc.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, pass.StatusApproved, p.FinalStatus())
	})

	t.Run("late entry logs lateness and skips credential", func(t *testing.T) {
		f := prepare(t)
		np := newRequest(pass.KindLateEntry, f.hod.ID)
		np.Reason = "Overslept"
		p, err := f.env.svc.CreateRequest(ctx, f.student, np)
		require.NoError(t, err)
		assert.False(t, p.RequiresCredential)
		assert.False(t, p.OneTimeUse)

		p, err = f.env.svc.ActOnTier(ctx, f.hod, p.ID, pass.Decision{Tier: pass.TierOne, Approve: bPtr(true)})
		require.NoError(t, err)
		assert.Equal(t, pass.StatusApproved, p.FinalStatus())
		assert.False(t, p.HasCredential())

		assert.Equal(t,
			[]audit.EventType{audit.EventLatenessLogged, audit.EventApproved, audit.EventRequest},
			eventTypes(events(t, f.env, p.ID)))
	})

	t.Run("credential-exempt special pass skips credential", func(t *testing.T) {
		f := prepare(t)
		np := newRequest(pass.KindSpecial, f.hod.ID)
		np.Reason = "ID Lost"
		p, err := f.env.svc.CreateRequest(ctx, f.student, np)
		require.NoError(t, err)
		assert.False(t, p.RequiresCredential)

		p, err = f.env.svc.ActOnTier(ctx, f.hod, p.ID, pass.Decision{Tier: pass.TierOne, Approve: bPtr(true)})
		require.NoError(t, err)
		assert.Equal(t, pass.StatusApproved, p.FinalStatus())
		assert.False(t, p.HasCredential())
	})
}

func Test_Service_notifications(t *testing.T) {
	ctx := context.Background()
	env := setup(t)
	hod := createUser(t, env.usrRepo, "hod", "CS", []string{user.RoleStaffHOD})
	faculty := createUser(t, env.usrRepo, "faculty1", "CS", []string{user.RoleStaffFaculty})
	student := createUser(t, env.usrRepo, "student1", "CS", []string{user.RoleStudent})

	emailsvc.ClearSentMessages()
	t.Cleanup(emailsvc.ClearSentMessages)

	p, err := env.svc.CreateRequest(ctx, student, newRequest(pass.KindGate, faculty.ID))
	require.NoError(t, err)

	// creation pings the tier 1 approver
	require.Len(t, emailsvc.SentMessages, 1)
	assert.Equal(t, faculty.Email, emailsvc.SentMessages[0].To[0].Address)

	p, err = env.svc.ActOnTier(ctx, faculty, p.ID, pass.Decision{Tier: pass.TierOne, Approve: bPtr(true)})
	require.NoError(t, err)
	// tier 1 approval hands off to the HOD
	require.Len(t, emailsvc.SentMessages, 2)
	assert.Equal(t, hod.Email, emailsvc.SentMessages[1].To[0].Address)

	p, err = env.svc.ActOnTier(ctx, hod, p.ID, pass.Decision{Tier: pass.TierTwo, Approve: bPtr(true)})
	require.NoError(t, err)
	// final approval reaches the student, OTP included
	require.Len(t, emailsvc.SentMessages, 3)
	final := emailsvc.SentMessages[2]
	assert.Equal(t, student.Email, final.To[0].Address)
	assert.Contains(t, final.BodyStr, p.OTP)

	// rejection notifies the student too
	emailsvc.ClearSentMessages()
	p2, err := env.svc.CreateRequest(ctx, student, newRequest(pass.KindGate, hod.ID))
	require.NoError(t, err)
	_, err = env.svc.ActOnTier(ctx, hod, p2.ID,
		pass.Decision{Tier: pass.TierOne, Approve: bPtr(false), Comment: "not this week"})
	require.NoError(t, err)
	require.Len(t, emailsvc.SentMessages, 2) // request ping + rejection
	rej := emailsvc.SentMessages[1]
	assert.Equal(t, student.Email, rej.To[0].Address)
	assert.Contains(t, rej.BodyStr, "not this week")

	// a request with no named approver pings the department HOD
	emailsvc.ClearSentMessages()
	_, err = env.svc.CreateRequest(ctx, student, newRequest(pass.KindGate, ""))
	require.NoError(t, err)
	require.Len(t, emailsvc.SentMessages, 1)
	assert.Equal(t, hod.Email, emailsvc.SentMessages[0].To[0].Address)
}

func Test_Repository_SetCredential_idempotent(t *testing.T) {
	ctx := context.Background()
	env := setup(t)
	hod := createUser(t, env.usrRepo, "hod", "CS", []string{user.RoleStaffHOD})
	student := createUser(t, env.usrRepo, "student1", "CS", []string{user.RoleStudent})

	np := newRequest(pass.KindGate, "")
	np.StudentID = student.ID
	p, err := env.svc.CreateRequest(ctx, hod, np)
	require.NoError(t, err)
	require.True(t, p.HasCredential())

	// a second store is refused; the first credential survives
	updated, issued, err := env.passRepo.SetCredential(ctx, p.ID, pass.Credential{QRToken: "other", OTP: "999"})
	require.NoError(t, err)
	assert.False(t, issued)
	assert.Equal(t, p.QRToken, updated.QRToken)
	assert.Equal(t, p.OTP, updated.OTP)
}

func Test_Service_ActOnTier_concurrentFinalApproval(t *testing.T) {
	ctx := context.Background()
	env := setup(t)
	hod := createUser(t, env.usrRepo, "hod", "CS", []string{user.RoleStaffHOD})
	faculty := createUser(t, env.usrRepo, "faculty1", "CS", []string{user.RoleStaffFaculty})
	student := createUser(t, env.usrRepo, "student1", "CS", []string{user.RoleStudent})

	p, err := env.svc.CreateRequest(ctx, student, newRequest(pass.KindGate, faculty.ID))
	require.NoError(t, err)
	_, err = env.svc.ActOnTier(ctx, faculty, p.ID, pass.Decision{Tier: pass.TierOne, Approve: bPtr(true)})
	require.NoError(t, err)

	const approvals = 8
	passes := make([]pass.Pass, approvals)
	errs := make([]error, approvals)
	var wg sync.WaitGroup
	wg.Add(approvals)
	for i := 0; i < approvals; i++ {
		go func(i int) {
			defer wg.Done()
			passes[i], errs[i] = env.svc.ActOnTier(ctx, hod, p.ID,
				pass.Decision{Tier: pass.TierTwo, Approve: bPtr(true)})
		}(i)
	}
	wg.Wait()

	// exactly one approval lands; the rest lose the tier update
	var winner pass.Pass
	wins := 0
	for i := 0; i < approvals; i++ {
		if errs[i] == nil {
			winner = passes[i]
			wins++
			continue
		}
		assert.Equal(t, pass.ErrAlreadyDecided, errs[i], "approval %d", i)
	}
	require.Equal(t, 1, wins)
	require.True(t, winner.HasCredential())

	// the stored credential is the winner's, issued exactly once
	got, err := env.passRepo.GetPassByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, pass.StatusApproved, got.FinalStatus())
	assert.Equal(t, winner.QRToken, got.QRToken)
	assert.Equal(t, winner.OTP, got.OTP)

	approvedEvts := 0
	for _, evt := range events(t, env, p.ID) {
		if evt.Type == audit.EventApproved {
			approvedEvts++
		}
	}
	assert.Equal(t, 2, approvedEvts) // one per tier, no duplicates
}

func Test_Service_CreateRequest_normalizesWindow(t *testing.T) {
	ctx := context.Background()
	env := setup(t)
	createUser(t, env.usrRepo, "hod", "CS", []string{user.RoleStaffHOD})
	student := createUser(t, env.usrRepo, "student1", "CS", []string{user.RoleStudent})

	loc := time.FixedZone("CAT", 2*60*60)
	np := newRequest(pass.KindGate, "")
	np.ValidFrom = time.Now().In(loc)
	vt := np.ValidFrom.Add(8 * time.Hour)
	np.ValidTo = &vt

	p, err := env.svc.CreateRequest(ctx, student, np)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, p.ValidFrom.Location())
	require.NotNil(t, p.ValidTo)
	assert.Equal(t, time.UTC, p.ValidTo.Location())
	assert.True(t, p.ValidTo.Equal(vt))
}

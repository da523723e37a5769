package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	. "github.com/trezcool/kibali/apps/api/echo"
	"github.com/trezcool/kibali/core"
	"github.com/trezcool/kibali/core/audit"
	"github.com/trezcool/kibali/core/pass"
	"github.com/trezcool/kibali/core/user"
	"github.com/trezcool/kibali/core/verify"
	emailsvc "github.com/trezcool/kibali/services/email"
	schedsvc "github.com/trezcool/kibali/services/scheduler"
	dummydb "github.com/trezcool/kibali/storage/database/dummy"
)

var (
	app  *Server
	conf *core.Config

	usrRepo   user.Repository
	passRepo  pass.Repository
	usrSvc    *user.Service
	passSvc   *pass.Service
	verifySvc *verify.Service
	auditSvc  *audit.Service
	scheduler *schedsvc.StubScheduler

	errMissingToken = httpErr{Error: "missing or malformed jwt"}
	errForbidden    = httpErr{Error: "permission denied"}
	errNotFound     = httpErr{Error: "not found"}
)

type nopLogger struct{}

func (nopLogger) Enable(bool)                  {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}

func TestMain(m *testing.M) {
	conf = &core.Config{
		AppName:       "Kibali",
		TestMode:      true,
		SecretKey:     "session-secret",
		PassSecretKey: "pass-secret",
		Server: core.ServerConfig{
			JWTExpirationDelta:        time.Hour,
			JWTRefreshExpirationDelta: 72 * time.Hour,
		},
		Pass: core.PassConfig{
			QRValidityDelta:     24 * time.Hour,
			DuplicateScanWindow: 60 * time.Second,
			RejectedPassTTL:     24 * time.Hour,
		},
	}

	appValidate = validator.New()
	appTrans = newTranslator()
	core.InitValidators(appValidate, appTrans)
	user.InitValidators(appValidate, appTrans)
	pass.InitValidators(appValidate, appTrans)

	resetApp()
	os.Exit(m.Run())
}

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}

var (
	appValidate *validator.Validate
	appTrans    ut.Translator
)

// resetApp rebuilds the in-memory DB, services and server so each test
// starts from a clean slate.
func resetApp() {
	db, _ := dummydb.Open()
	usrRepo = dummydb.NewUserRepository(db)
	passRepo = dummydb.NewPassRepository(db)
	auditSvc = audit.NewService(dummydb.NewAuditRepository(db))
	scheduler = schedsvc.NewStubScheduler()

	mailSvc := emailsvc.NewConsoleServiceMock(conf)
	logger := nopLogger{}
	usrSvc = user.NewService(usrRepo)
	passSvc = pass.NewService(nil, passRepo, usrRepo, auditSvc, mailSvc, scheduler, logger, conf)
	verifySvc = verify.NewService(nil, passRepo, usrRepo, auditSvc, mailSvc, logger, conf)

	app = NewServer(ServerDeps{
		Conf:       conf,
		Logger:     logger,
		UserSvc:    usrSvc,
		PassSvc:    passSvc,
		VerifySvc:  verifySvc,
		AuditSvc:   auditSvc,
		Validate:   appValidate,
		Translator: appTrans,
	})
}

func resetDB(t *testing.T) {
	t.Helper()
	resetApp()
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
	extra    interface{}
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func getToken(t *testing.T, usr user.User) string {
	claims := GetUserClaims(usr)
	token, err := GenerateToken(claims)
	if err != nil {
		t.Fatalf("getToken(): %v", err)
	}
	return token
}

func createUser(t *testing.T, name, dept string, roles []string) user.User {
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
	if err := usr.SetPassword("Secr3tPass"); err != nil {
		t.Fatalf("createUser(): %v", err)
	}
	usr, err := usrRepo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("createUser(): %v", err)
	}
	return usr
}

// createApprovedPass makes a gate pass for student, instantly approved by
// hod, so it comes back with its credential set.
func createApprovedPass(t *testing.T, hod, student user.User) pass.Pass {
	t.Helper()
	now := time.Now().UTC()
	validTo := now.Add(8 * time.Hour)
	p, err := passSvc.CreateRequest(context.Background(), hod, pass.NewPassRequest{
		StudentID: student.ID,
		Kind:      pass.KindGate,
		Reason:    "Medical appointment",
		ValidFrom: now,
		ValidTo:   &validTo,
	})
	if err != nil {
		t.Fatalf("createApprovedPass(): %v", err)
	}
	return p
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj(): %v", err)
	}
	return data
}

func marchallList(t *testing.T, objs ...interface{}) []byte {
	data, err := json.Marshal(objs)
	if err != nil {
		t.Fatalf("marchallList(): %v", err)
	}
	return data
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	if reflect.DeepEqual(j1, j2) {
		return true, nil
	}
	return false, nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

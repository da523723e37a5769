package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/trezcool/kibali/core/user"
	"github.com/trezcool/kibali/core/verify"
)

func Test_verifyApi(t *testing.T) {
	resetDB(t)

	hod := createUser(t, "hod", "CS", []string{user.RoleStaffHOD})
	student := createUser(t, "student", "CS", []string{user.RoleStudent})
	security := createUser(t, "guard", "", []string{user.RoleSecurity})

	p := createApprovedPass(t, hod, student)
	token := getToken(t, security)

	doVerify := func(t *testing.T, token string, in verify.Input) (*http.Response, verify.Result) {
		t.Helper()
		req, rec := newAuthRequest(http.MethodPost, "/v1/verify", token, marchallObj(t, in))
		app.ServeHTTP(rec, req)
		var res verify.Result
		if rec.Code == http.StatusOK {
			if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
				t.Fatalf("unmarshalling result: %v", err)
			}
		}
		return rec.Result(), res
	}

	t.Run("auth required", func(t *testing.T) {
		tt := httpTest{
			method: http.MethodPost, path: "/v1/verify",
			wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken),
		}
		req, rec := newRequest(tt.method, tt.path, marchallObj(t, verify.Input{}))
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, tt, rec)
	})

	t.Run("security role required", func(t *testing.T) {
		resp, _ := doVerify(t, getToken(t, student), verify.Input{QRToken: p.QRToken})
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("code = %v; want %v", resp.StatusCode, http.StatusForbidden)
		}
	})

	t.Run("empty input is denied, not an error", func(t *testing.T) {
		resp, res := doVerify(t, token, verify.Input{})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("code = %v; want %v", resp.StatusCode, http.StatusOK)
		}
		if res.Granted || res.Denial == nil || res.Denial.Code != verify.CodeInputRequired {
			t.Errorf("unexpected result: %+v", res)
		}
	})

	t.Run("granted scan", func(t *testing.T) {
		resp, res := doVerify(t, token, verify.Input{QRToken: p.QRToken})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("code = %v; want %v", resp.StatusCode, http.StatusOK)
		}
		if !res.Granted {
			t.Fatalf("not granted: %+v", res.Denial)
		}
		if res.Pass == nil || res.Pass.ID != p.ID || res.Pass.StudentName != student.Name {
			t.Errorf("unexpected summary: %+v", res.Pass)
		}
	})

	t.Run("immediate re-scan is flagged", func(t *testing.T) {
		_, res := doVerify(t, token, verify.Input{QRToken: p.QRToken})
		if res.Granted || res.Denial == nil || res.Denial.Code != verify.CodeDuplicateScan {
			t.Errorf("unexpected result: %+v", res)
		}
	})
}

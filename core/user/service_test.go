package user_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/kibali/core/user"
	dummydb "github.com/trezcool/kibali/storage/database/dummy"
)

func newService(t *testing.T) *user.Service {
	t.Helper()
	db, err := dummydb.Open()
	require.NoError(t, err)
	return user.NewService(dummydb.NewUserRepository(db))
}

func Test_Service_Create(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	usr, err := svc.Create(ctx, user.NewUser{
		Name:       "Jo Kalema",
		Username:   "jkalema",
		Email:      "jkalema@test.cd",
		Department: "CS",
		Password:   "Secr3tPass",
		Roles:      []string{user.RoleStudent},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, usr.ID)
	assert.True(t, usr.Active())
	assert.NoError(t, usr.CheckPassword("Secr3tPass"))
	assert.Error(t, usr.CheckPassword("wrong"))

	got, err := svc.GetByUsernameOrEmail(ctx, "JKALEMA")
	require.NoError(t, err)
	assert.Equal(t, usr.ID, got.ID)

	got, err = svc.GetByUsernameOrEmail(ctx, "jkalema@test.CD")
	require.NoError(t, err)
	assert.Equal(t, usr.ID, got.ID)

	_, err = svc.GetByUsernameOrEmail(ctx, "ghost")
	assert.Equal(t, user.ErrNotFound, err)
}

func Test_Service_CheckUniqueness(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	usr, err := svc.Create(ctx, user.NewUser{
		Name: "Jo", Username: "jkalema", Email: "jkalema@test.cd", Password: "x",
	})
	require.NoError(t, err)

	assert.Error(t, svc.CheckUniqueness("jkalema", "other@test.cd"))
	assert.Error(t, svc.CheckUniqueness("other", "jkalema@test.cd"))
	assert.NoError(t, svc.CheckUniqueness("other", "other@test.cd"))

	// the user themselves is excluded on update
	assert.NoError(t, svc.CheckUniqueness("jkalema", "jkalema@test.cd", usr))
}

func Test_Service_GetDepartmentHOD(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.GetDepartmentHOD(ctx, "CS")
	assert.Equal(t, user.ErrNoHOD, err)

	_, err = svc.Create(ctx, user.NewUser{
		Name: "First", Username: "hodone", Email: "hodone@test.cd", Password: "x",
		Department: "CS", Roles: []string{user.RoleStaffHOD},
	})
	require.NoError(t, err)
	time.Sleep(time.Millisecond) // distinct CreatedAt
	_, err = svc.Create(ctx, user.NewUser{
		Name: "Second", Username: "hodtwo", Email: "hodtwo@test.cd", Password: "x",
		Department: "CS", Roles: []string{user.RoleStaffHOD},
	})
	require.NoError(t, err)

	// longest-standing HOD wins
	hod, err := svc.GetDepartmentHOD(ctx, "CS")
	require.NoError(t, err)
	assert.Equal(t, "hodone", hod.Username)

	_, err = svc.GetDepartmentHOD(ctx, "EE")
	assert.Equal(t, user.ErrNoHOD, err)
}

func Test_User_roles(t *testing.T) {
	hod := user.User{Roles: []string{user.RoleStaffFaculty, user.RoleStaffHOD}}
	assert.True(t, hod.IsStaff())
	assert.True(t, hod.IsHOD())
	assert.True(t, hod.IsFaculty())
	assert.False(t, hod.IsAdmin())
	assert.Equal(t, user.RoleStaffHOD, hod.PrimaryRole())

	admin := user.User{Roles: []string{user.RoleAdmin}}
	assert.True(t, admin.IsAdmin())
	assert.True(t, admin.IsStaff()) // admins pass staff checks

	student := user.User{Roles: []string{user.RoleStudent}}
	assert.True(t, student.IsStudent())
	assert.False(t, student.IsStaff())

	assert.Greater(t, user.MaxRolePriority(admin.Roles), user.MaxRolePriority(hod.Roles))
	assert.Greater(t, user.MaxRolePriority(hod.Roles), user.MaxRolePriority(student.Roles))
}

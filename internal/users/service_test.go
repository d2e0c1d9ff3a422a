// Copyright 2024 TailingsIQ Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package users

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tailingsiq/tailingsiq-backend/internal/auth"
	"github.com/tailingsiq/tailingsiq-backend/internal/config"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
	"github.com/tailingsiq/tailingsiq-backend/internal/store"
)

const goodPassword = "Tailings1!"

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		BcryptCost:        4,
		MaxFailedAttempts: 3,
		LockoutDuration:   30 * time.Minute,
		ResetTokenTTL:     time.Hour,
		Password: config.PasswordPolicy{
			MinLength:        8,
			RequireUppercase: true,
			RequireLowercase: true,
			RequireDigit:     true,
			RequireSymbol:    true,
		},
	}
}

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.NewStore(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tokens, err := auth.NewTokenManager("test-secret", "tailingsiq", time.Hour)
	require.NoError(t, err)
	return NewService(st, tokens, testAuthConfig(), zap.NewNop()), st
}

func createUser(t *testing.T, svc *Service, username string, role model.Role) *model.User {
	t.Helper()
	u, err := svc.Create(context.Background(), CreateInput{
		Username: username,
		Email:    username + "@example.com",
		Password: goodPassword,
		Role:     role,
	}, 0)
	require.NoError(t, err)
	return u
}

func requireServiceError(t *testing.T, err error, status int, message string) {
	t.Helper()
	var svcErr *resilience.ServiceError
	require.True(t, resilience.AsServiceError(err, &svcErr), "expected ServiceError, got %v", err)
	assert.Equal(t, status, svcErr.StatusCode)
	if message != "" {
		assert.Equal(t, message, svcErr.Message)
	}
}

func TestCreate(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	u, err := svc.Create(ctx, CreateInput{
		Username:         "operator",
		Email:            "Operator@Example.com",
		Password:         goodPassword,
		Role:             model.RoleTSFOperator,
		FacilitiesAccess: []string{"tsf-1"},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, model.UserActive, u.Status)
	assert.Equal(t, "operator@example.com", u.Email)
	assert.Equal(t, []string{"TSF_001"}, u.FacilitiesAccess)

	logs, err := st.ListAuditLogs(ctx, u.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, ActionUserCreated, logs[0].Action)

	tests := []struct {
		name    string
		in      CreateInput
		message string
	}{
		{"duplicate username", CreateInput{Username: "operator", Email: "x@example.com", Password: goodPassword}, "Username already exists"},
		{"duplicate email", CreateInput{Username: "other", Email: "operator@example.com", Password: goodPassword}, "Email already exists"},
		{"bad email", CreateInput{Username: "other", Email: "nope", Password: goodPassword}, "Invalid email format"},
		{"weak password", CreateInput{Username: "other", Email: "o@example.com", Password: "weak"}, "Password does not meet requirements"},
		{"bad role", CreateInput{Username: "other", Email: "o@example.com", Password: goodPassword, Role: "pilot"}, "Invalid role: pilot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.in, 0)
			requireServiceError(t, err, http.StatusBadRequest, tt.message)
		})
	}
}

func TestLoginAndCurrentUser(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	createUser(t, svc, "eor", model.RoleEngineerOfRecord)

	res, err := svc.Login(ctx, "eor", goodPassword, Meta{IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "bearer", res.TokenType)
	assert.Equal(t, 3600, res.ExpiresIn)
	require.NotNil(t, res.User.LastLogin)

	u, err := svc.CurrentUser(ctx, res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "eor", u.Username)

	_, err = svc.CurrentUser(ctx, "garbage")
	requireServiceError(t, err, http.StatusUnauthorized, "Could not validate credentials")

	_, err = svc.Login(ctx, "ghost", goodPassword, Meta{})
	requireServiceError(t, err, http.StatusUnauthorized, "Incorrect username or password")
}

func TestInactiveUser(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	u := createUser(t, svc, "viewer", model.RoleViewer)

	res, err := svc.Login(ctx, "viewer", goodPassword, Meta{})
	require.NoError(t, err)

	u.Status = model.UserInactive
	require.NoError(t, st.UpdateUser(ctx, u))

	_, err = svc.Login(ctx, "viewer", goodPassword, Meta{})
	requireServiceError(t, err, http.StatusBadRequest, "Inactive user")

	_, err = svc.CurrentUser(ctx, res.AccessToken)
	requireServiceError(t, err, http.StatusBadRequest, "Inactive user")
}

func TestLockout(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	u := createUser(t, svc, "operator", model.RoleTSFOperator)

	for i := 0; i < 3; i++ {
		_, err := svc.Authenticate(ctx, "operator", "wrong", Meta{})
		requireServiceError(t, err, http.StatusUnauthorized, "Incorrect username or password")
	}

	_, err := svc.Authenticate(ctx, "operator", goodPassword, Meta{})
	requireServiceError(t, err, http.StatusUnauthorized, "")

	svc.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	got, err := svc.Authenticate(ctx, "operator", goodPassword, Meta{})
	require.NoError(t, err)
	assert.Zero(t, got.FailedLoginAttempts)

	logs, err := st.ListAuditLogs(ctx, u.ID, 0)
	require.NoError(t, err)
	actions := map[string]int{}
	for _, l := range logs {
		actions[l.Action]++
	}
	assert.Equal(t, 3, actions[ActionLoginFailed])
	assert.Equal(t, 1, actions[ActionLoginSuccess])
}

func TestLockoutIgnoresLaterProfileWrites(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	createUser(t, svc, "operator", model.RoleTSFOperator)

	failedAt := time.Now().Add(-25 * time.Minute)
	svc.now = func() time.Time { return failedAt }
	for i := 0; i < 3; i++ {
		_, err := svc.Authenticate(ctx, "operator", "wrong", Meta{})
		requireServiceError(t, err, http.StatusUnauthorized, "Incorrect username or password")
	}

	_, _, err := svc.RequestPasswordReset(ctx, "operator@example.com")
	require.NoError(t, err)
	locked, err := st.GetUserByUsername(ctx, "operator")
	require.NoError(t, err)
	require.NotNil(t, locked.LastFailedLoginAt)
	assert.WithinDuration(t, failedAt, *locked.LastFailedLoginAt, time.Second)
	require.NotNil(t, locked.UpdatedAt)
	assert.True(t, locked.UpdatedAt.After(*locked.LastFailedLoginAt))

	svc.now = func() time.Time { return failedAt.Add(20 * time.Minute) }
	_, err = svc.Authenticate(ctx, "operator", goodPassword, Meta{})
	requireServiceError(t, err, http.StatusUnauthorized, "Account is temporarily locked due to repeated failed logins")

	svc.now = func() time.Time { return failedAt.Add(31 * time.Minute) }
	_, err = svc.Authenticate(ctx, "operator", goodPassword, Meta{})
	require.NoError(t, err)
}

func TestUpdateProfileIgnoresPrivilegedFields(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	u := createUser(t, svc, "consultant", model.RoleConsultant)

	name := "New Name"
	role := model.RoleSuperAdmin
	status := model.UserSuspended
	facilities := []string{"TSF_009"}
	got, err := svc.UpdateProfile(ctx, u, Update{FullName: &name, Role: &role, Status: &status, FacilitiesAccess: &facilities})
	require.NoError(t, err)
	assert.Equal(t, "New Name", got.FullName)
	assert.Equal(t, model.RoleConsultant, got.Role)
	assert.Equal(t, model.UserActive, got.Status)
	assert.Empty(t, got.FacilitiesAccess)
}

func TestChangePassword(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	u := createUser(t, svc, "eor", model.RoleEngineerOfRecord)

	err := svc.ChangePassword(ctx, u, "wrong", "Another1!")
	requireServiceError(t, err, http.StatusBadRequest, "Current password is incorrect")

	err = svc.ChangePassword(ctx, u, goodPassword, "short")
	requireServiceError(t, err, http.StatusBadRequest, "Password does not meet requirements")

	require.NoError(t, svc.ChangePassword(ctx, u, goodPassword, "Another1!"))
	_, err = svc.Authenticate(ctx, "eor", "Another1!", Meta{})
	require.NoError(t, err)
}

func TestPasswordReset(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	createUser(t, svc, "eor", model.RoleEngineerOfRecord)

	msg, token, err := svc.RequestPasswordReset(ctx, "missing@example.com")
	require.NoError(t, err)
	assert.Equal(t, ResetRequestedMessage, msg)
	assert.Empty(t, token)

	msg, token, err = svc.RequestPasswordReset(ctx, "eor@example.com")
	require.NoError(t, err)
	assert.Equal(t, ResetRequestedMessage, msg)
	require.NotEmpty(t, token)

	err = svc.ResetPassword(ctx, "bogus", "Another1!")
	requireServiceError(t, err, http.StatusBadRequest, "Invalid or expired reset token")

	require.NoError(t, svc.ResetPassword(ctx, token, "Another1!"))
	_, err = svc.Authenticate(ctx, "eor", "Another1!", Meta{})
	require.NoError(t, err)

	err = svc.ResetPassword(ctx, token, "Another2!")
	requireServiceError(t, err, http.StatusBadRequest, "Invalid or expired reset token")
}

func TestPasswordResetExpired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	createUser(t, svc, "eor", model.RoleEngineerOfRecord)

	_, token, err := svc.RequestPasswordReset(ctx, "eor@example.com")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	err = svc.ResetPassword(ctx, token, "Another1!")
	requireServiceError(t, err, http.StatusBadRequest, "Invalid or expired reset token")
}

func TestAdminOperations(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	super := createUser(t, svc, "root", model.RoleSuperAdmin)
	admin := createUser(t, svc, "admin", model.RoleAdmin)
	viewer := createUser(t, svc, "viewer", model.RoleViewer)

	_, err := svc.Get(ctx, 999)
	requireServiceError(t, err, http.StatusNotFound, "User not found")

	name := "x"
	_, err = svc.AdminUpdate(ctx, admin, super.ID, Update{FullName: &name})
	requireServiceError(t, err, http.StatusForbidden, "")

	role := model.RoleTSFOperator
	updated, err := svc.AdminUpdate(ctx, admin, viewer.ID, Update{Role: &role})
	require.NoError(t, err)
	assert.Equal(t, model.RoleTSFOperator, updated.Role)

	err = svc.Delete(ctx, admin, viewer.ID)
	requireServiceError(t, err, http.StatusForbidden, "Only super admin can delete users")

	err = svc.Delete(ctx, super, super.ID)
	requireServiceError(t, err, http.StatusBadRequest, "Cannot delete super admin user")

	require.NoError(t, svc.Delete(ctx, super, viewer.ID))
	got, err := svc.Get(ctx, viewer.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UserInactive, got.Status)

	temp, err := svc.AdminResetPassword(ctx, admin, admin.ID)
	require.NoError(t, err)
	assert.Len(t, temp, 12)
	_, err = svc.Authenticate(ctx, "admin", temp, Meta{})
	require.NoError(t, err)

	list, err := svc.List(ctx, model.UserFilter{Role: model.RoleAdmin})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestEnsureSuperAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	bootstrap := config.BootstrapAdmin{Username: "superadmin", Email: "admin@tailingsiq.com", Password: "ChangeMe123!", FullName: "Super Admin"}

	created, err := svc.EnsureSuperAdmin(ctx, bootstrap)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = svc.EnsureSuperAdmin(ctx, bootstrap)
	require.NoError(t, err)
	assert.False(t, created)

	u, err := svc.Authenticate(ctx, "superadmin", "ChangeMe123!", Meta{})
	require.NoError(t, err)
	assert.Equal(t, model.RoleSuperAdmin, u.Role)
}

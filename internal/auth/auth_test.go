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

package auth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/tailingsiq/tailingsiq-backend/internal/config"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
)

func testUser() *model.User {
	return &model.User{ID: 42, Username: "eor", Role: model.RoleEngineerOfRecord}
}

func TestIssueAndValidateToken(t *testing.T) {
	mgr, err := NewTokenManager("secret", "tailingsiq", time.Hour)
	require.NoError(t, err)

	token, exp, err := mgr.IssueToken(testUser())
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "eor", claims.Subject)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, model.RoleEngineerOfRecord, claims.Role)
	assert.Equal(t, "tailingsiq", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestNewTokenManagerRequiresSecret(t *testing.T) {
	_, err := NewTokenManager("", "tailingsiq", time.Hour)
	assert.Error(t, err)
}

func TestValidateTokenRejects(t *testing.T) {
	mgr, err := NewTokenManager("secret", "tailingsiq", time.Hour)
	require.NoError(t, err)

	other, err := NewTokenManager("other-secret", "tailingsiq", time.Hour)
	require.NoError(t, err)
	wrongSecret, _, err := other.IssueToken(testUser())
	require.NoError(t, err)

	foreign, err := NewTokenManager("secret", "someone-else", time.Hour)
	require.NoError(t, err)
	wrongIssuer, _, err := foreign.IssueToken(testUser())
	require.NoError(t, err)

	expiredMgr, err := NewTokenManager("secret", "tailingsiq", time.Minute)
	require.NoError(t, err)
	expiredMgr.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, _, err := expiredMgr.IssueToken(testUser())
	require.NoError(t, err)

	hs512 := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "eor",
			Issuer:    "tailingsiq",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	wrongAlg, err := hs512.SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", wrongSecret},
		{"wrong issuer", wrongIssuer},
		{"expired", expired},
		{"wrong algorithm", wrongAlg},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.ValidateToken(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("Secret123!", bcrypt.MinCost)
	require.NoError(t, err)
	assert.True(t, CheckPassword("Secret123!", hash))
	assert.False(t, CheckPassword("secret123!", hash))
	assert.False(t, CheckPassword("Secret123!", "not-a-hash"))
}

func TestValidatePassword(t *testing.T) {
	policy := config.PasswordPolicy{
		MinLength:        8,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireDigit:     true,
		RequireSymbol:    true,
	}

	tests := []struct {
		name     string
		password string
		problems int
	}{
		{"valid", "Tailings1!", 0},
		{"too short", "Ta1!", 1},
		{"no upper", "tailings1!", 1},
		{"no lower", "TAILINGS1!", 1},
		{"no digit", "Tailings!!", 1},
		{"no symbol", "Tailings12", 1},
		{"everything wrong", "", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, ValidatePassword(tt.password, policy), tt.problems)
		})
	}

	assert.Empty(t, ValidatePassword("x", config.PasswordPolicy{}))
}

func TestGenerateResetToken(t *testing.T) {
	a, err := GenerateResetToken()
	require.NoError(t, err)
	b, err := GenerateResetToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestGenerateTemporaryPassword(t *testing.T) {
	p, err := GenerateTemporaryPassword(12)
	require.NoError(t, err)
	assert.Len(t, p, 12)
	assert.Regexp(t, `^[A-Za-z0-9]{12}$`, p)
}

func TestPermissions(t *testing.T) {
	tests := []struct {
		role model.Role
		perm string
		want bool
	}{
		{model.RoleSuperAdmin, PermUserManagement, true},
		{model.RoleAdmin, PermUserManagement, true},
		{model.RoleAdmin, PermMonitoringRead, true},
		{model.RoleAdmin, PermComplianceRead, true},
		{model.RoleEngineerOfRecord, PermAlertsManage, true},
		{model.RoleEngineerOfRecord, PermUserManagement, false},
		{model.RoleTSFOperator, PermDataEntry, true},
		{model.RoleTSFOperator, PermComplianceRead, false},
		{model.RoleRegulator, PermComplianceRead, true},
		{model.RoleViewer, PermMonitoringRead, true},
		{model.RoleViewer, PermDataExport, false},
		{model.Role("ghost"), PermMonitoringRead, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+tt.perm, func(t *testing.T) {
			assert.Equal(t, tt.want, HasPermission(tt.role, tt.perm))
		})
	}

	assert.True(t, HasAnyPermission(model.RoleConsultant, PermDataExport, PermDataAnalysis))
	assert.False(t, HasAnyPermission(model.RoleConsultant, PermDataExport))
}

func TestRoleHelpers(t *testing.T) {
	assert.True(t, IsAdmin(model.RoleSuperAdmin))
	assert.True(t, IsAdmin(model.RoleAdmin))
	assert.False(t, IsAdmin(model.RoleEngineerOfRecord))

	assert.True(t, CanUseAIQuery(model.RoleTSFOperator))
	assert.False(t, CanUseAIQuery(model.RoleViewer))
	assert.False(t, CanUseAIQuery(model.Role("")))

	assert.True(t, CanIndexDocuments(model.RoleEngineerOfRecord))
	assert.False(t, CanIndexDocuments(model.RoleConsultant))

	perms := Permissions(model.RoleViewer)
	perms[0] = "mutated"
	assert.Equal(t, PermMonitoringRead, Permissions(model.RoleViewer)[0])
}

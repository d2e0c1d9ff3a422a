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

// Package model defines the domain types shared by the store, the services
// and the HTTP layer.
package model

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Role is a user's role within the platform.
type Role string

const (
	RoleSuperAdmin       Role = "super_admin"
	RoleAdmin            Role = "admin"
	RoleEngineerOfRecord Role = "engineer_of_record"
	RoleTSFOperator      Role = "tsf_operator"
	RoleRegulator        Role = "regulator"
	RoleManagement       Role = "management"
	RoleConsultant       Role = "consultant"
	RoleViewer           Role = "viewer"
)

// Roles lists every known role.
var Roles = []Role{
	RoleSuperAdmin, RoleAdmin, RoleEngineerOfRecord, RoleTSFOperator,
	RoleRegulator, RoleManagement, RoleConsultant, RoleViewer,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// UserStatus is the lifecycle state of an account.
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserInactive  UserStatus = "inactive"
	UserSuspended UserStatus = "suspended"
	UserPending   UserStatus = "pending"
)

// Valid reports whether s is a known status.
func (s UserStatus) Valid() bool {
	switch s {
	case UserActive, UserInactive, UserSuspended, UserPending:
		return true
	}
	return false
}

// User is a platform account. PasswordHash and reset fields never leave the server.
type User struct {
	ID                  int64      `json:"id"`
	Username            string     `json:"username"`
	Email               string     `json:"email"`
	FullName            string     `json:"full_name"`
	PasswordHash        string     `json:"-"`
	Role                Role       `json:"role"`
	Status              UserStatus `json:"status"`
	Organization        string     `json:"organization,omitempty"`
	JobTitle            string     `json:"job_title,omitempty"`
	Phone               string     `json:"phone,omitempty"`
	FacilitiesAccess    []string   `json:"facilities_access"`
	IsVerified          bool       `json:"is_verified"`
	FailedLoginAttempts int        `json:"-"`
	LastFailedLoginAt   *time.Time `json:"-"`
	LastLogin           *time.Time `json:"last_login,omitempty"`
	LastPasswordChange  *time.Time `json:"last_password_change,omitempty"`
	ResetToken          string     `json:"-"`
	ResetTokenExpiresAt *time.Time `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           *time.Time `json:"updated_at,omitempty"`
}

// CanAccessFacility reports whether the user is scoped to facility. An empty
// access list grants every facility.
func (u *User) CanAccessFacility(facility string) bool {
	if u == nil {
		return false
	}
	if len(u.FacilitiesAccess) == 0 {
		return true
	}
	want := NormalizeFacilityID(facility)
	for _, f := range u.FacilitiesAccess {
		if NormalizeFacilityID(f) == want {
			return true
		}
	}
	return false
}

// AuditLog records an auth or account event.
type AuditLog struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Action    string          `json:"action"`
	Details   json.RawMessage `json:"details,omitempty"`
	IPAddress string          `json:"ip_address,omitempty"`
	UserAgent string          `json:"user_agent,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// UserFilter narrows admin user listings.
type UserFilter struct {
	Role         Role
	Status       UserStatus
	Organization string
	Skip         int
	Limit        int
}

// FacilityIDPattern matches facility identifiers like TSF_001 or tsf-7.
var FacilityIDPattern = regexp.MustCompile(`(?i)\btsf[\s_-]?(\d{1,4})\b`)

var facilityStrip = regexp.MustCompile(`[^A-Z0-9_-]`)

// NormalizeFacilityID uppercases id, turns spaces into underscores and drops
// anything else that is not alphanumeric, '_' or '-'. TSF identifiers are
// canonicalised to TSF_NNN.
func NormalizeFacilityID(id string) string {
	id = strings.TrimSpace(id)
	if m := FacilityIDPattern.FindStringSubmatch(id); m != nil && len(m[0]) == len(id) {
		return CanonicalTSF(m[1])
	}
	id = strings.ToUpper(strings.ReplaceAll(id, " ", "_"))
	return facilityStrip.ReplaceAllString(id, "")
}

// CanonicalTSF formats a numeric facility suffix as TSF_NNN.
func CanonicalTSF(digits string) string {
	digits = strings.TrimLeft(digits, "0")
	for len(digits) < 3 {
		digits = "0" + digits
	}
	return "TSF_" + digits
}

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
	"strings"

	"github.com/tailingsiq/tailingsiq-backend/internal/model"
)

// Permission names
const (
	PermAll            = "*"
	PermUserManagement = "user_management"
	PermSystemConfig   = "system_config"
	PermDataExport     = "data_export"
	PermComplianceFull = "compliance_full"
	PermComplianceRead = "compliance_read"
	PermMonitoringFull = "monitoring_full"
	PermMonitoringRead = "monitoring_read"
	PermTSFManagement  = "tsf_management"
	PermRiskAssessment = "risk_assessment"
	PermDataEntry      = "data_entry"
	PermAlertsManage   = "alerts_manage"
	PermReportsAccess  = "reports_access"
	PermReportsRead    = "reports_read"
	PermDataAnalysis   = "data_analysis"
)

var rolePermissions = map[model.Role][]string{
	model.RoleSuperAdmin:       {PermAll},
	model.RoleAdmin:            {PermUserManagement, PermSystemConfig, PermDataExport, PermComplianceFull, PermMonitoringFull},
	model.RoleEngineerOfRecord: {PermComplianceFull, PermMonitoringFull, PermDataExport, PermTSFManagement, PermRiskAssessment},
	model.RoleTSFOperator:      {PermMonitoringRead, PermDataEntry, PermAlertsManage},
	model.RoleRegulator:        {PermComplianceRead, PermMonitoringRead, PermReportsAccess},
	model.RoleManagement:       {PermReportsAccess, PermMonitoringRead, PermComplianceRead},
	model.RoleConsultant:       {PermMonitoringRead, PermDataAnalysis, PermReportsAccess},
	model.RoleViewer:           {PermMonitoringRead, PermReportsRead},
}

// implied lists permissions granted by holding another one
var implied = map[string][]string{
	PermMonitoringFull: {PermMonitoringRead, PermAlertsManage, PermDataEntry},
	PermComplianceFull: {PermComplianceRead},
}

// Permissions returns the explicit permissions of a role
func Permissions(role model.Role) []string {
	perms := rolePermissions[role]
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}

// HasPermission reports whether role grants perm directly or by implication
func HasPermission(role model.Role, perm string) bool {
	for _, p := range rolePermissions[role] {
		if p == PermAll || p == perm {
			return true
		}
		for _, sub := range implied[p] {
			if sub == perm {
				return true
			}
		}
		// any *_full grants the matching *_read
		if strings.HasSuffix(p, "_full") && strings.HasSuffix(perm, "_read") &&
			strings.TrimSuffix(p, "_full") == strings.TrimSuffix(perm, "_read") {
			return true
		}
	}
	return false
}

// HasAnyPermission reports whether role grants at least one of perms
func HasAnyPermission(role model.Role, perms ...string) bool {
	for _, p := range perms {
		if HasPermission(role, p) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether role is admin or super_admin
func IsAdmin(role model.Role) bool {
	return role == model.RoleAdmin || role == model.RoleSuperAdmin
}

// CanUseAIQuery reports whether role may submit AI queries
func CanUseAIQuery(role model.Role) bool {
	return role.Valid() && role != model.RoleViewer
}

// CanIndexDocuments reports whether role may trigger document indexing
func CanIndexDocuments(role model.Role) bool {
	return IsAdmin(role) || role == model.RoleEngineerOfRecord
}

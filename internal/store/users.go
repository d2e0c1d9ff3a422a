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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tailingsiq/tailingsiq-backend/internal/model"
)

const userColumns = `id, username, email, full_name, password_hash, role, status, organization,
	job_title, phone, facilities_access, is_verified, failed_login_attempts, last_failed_login_at,
	last_login, last_password_change, reset_token, reset_token_expires_at, created_at, updated_at`

func scanUser(row scanner) (*model.User, error) {
	var (
		u                                   model.User
		role, status, facilities, createdAt string
		lastFailed, lastLogin, lastPwd      sql.NullString
		resetToken                          sql.NullString
		resetExpires, updatedAt             sql.NullString
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.PasswordHash, &role, &status,
		&u.Organization, &u.JobTitle, &u.Phone, &facilities, &u.IsVerified, &u.FailedLoginAttempts,
		&lastFailed, &lastLogin, &lastPwd, &resetToken, &resetExpires, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	u.Status = model.UserStatus(status)
	u.FacilitiesAccess = decodeStrings(facilities)
	u.LastFailedLoginAt = parseNullTime(lastFailed)
	u.LastLogin = parseNullTime(lastLogin)
	u.LastPasswordChange = parseNullTime(lastPwd)
	u.ResetToken = resetToken.String
	u.ResetTokenExpiresAt = parseNullTime(resetExpires)
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseNullTime(updatedAt)
	return &u, nil
}

// CreateUser inserts u and sets its ID and CreatedAt. Duplicate usernames or
// emails return ErrConflict.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, email, full_name, password_hash, role, status, organization,
			job_title, phone, facilities_access, is_verified, failed_login_attempts, last_password_change, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Username, u.Email, u.FullName, u.PasswordHash, string(u.Role), string(u.Status), u.Organization,
		u.JobTitle, u.Phone, encodeJSON(u.FacilitiesAccess), u.IsVerified, u.FailedLoginAttempts,
		formatNullTime(u.LastPasswordChange), formatTime(u.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %q: %w", u.Username, ErrConflict)
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	u.ID, err = res.LastInsertId()
	return err
}

func (s *Store) getUser(ctx context.Context, column string, value interface{}) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE "+column+" = ?", value)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}

// GetUser returns the user with the given id
func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.getUser(ctx, "id", id)
}

// GetUserByUsername returns the user with the given username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.getUser(ctx, "username", username)
}

// GetUserByEmail returns the user with the given email
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.getUser(ctx, "email", email)
}

// GetUserByResetToken returns the user holding token
func (s *Store) GetUserByResetToken(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return s.getUser(ctx, "reset_token", token)
}

// UpdateUser writes every mutable column of u
func (s *Store) UpdateUser(ctx context.Context, u *model.User) error {
	now := time.Now().UTC()
	u.UpdatedAt = &now
	var resetToken sql.NullString
	if u.ResetToken != "" {
		resetToken = sql.NullString{String: u.ResetToken, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET username = ?, email = ?, full_name = ?, password_hash = ?, role = ?, status = ?,
			organization = ?, job_title = ?, phone = ?, facilities_access = ?, is_verified = ?,
			failed_login_attempts = ?, last_failed_login_at = ?, last_login = ?, last_password_change = ?, reset_token = ?,
			reset_token_expires_at = ?, updated_at = ?
		WHERE id = ?`,
		u.Username, u.Email, u.FullName, u.PasswordHash, string(u.Role), string(u.Status),
		u.Organization, u.JobTitle, u.Phone, encodeJSON(u.FacilitiesAccess), u.IsVerified,
		u.FailedLoginAttempts, formatNullTime(u.LastFailedLoginAt), formatNullTime(u.LastLogin), formatNullTime(u.LastPasswordChange), resetToken,
		formatNullTime(u.ResetTokenExpiresAt), formatTime(now), u.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %q: %w", u.Username, ErrConflict)
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUsers returns users matching filter, ordered by id
func (s *Store) ListUsers(ctx context.Context, filter model.UserFilter) ([]model.User, error) {
	var conditions []string
	var args []interface{}

	if filter.Role != "" {
		conditions = append(conditions, "role = ?")
		args = append(args, string(filter.Role))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Organization != "" {
		conditions = append(conditions, "organization LIKE ?")
		args = append(args, "%"+filter.Organization+"%")
	}

	query, args := page("SELECT "+userColumns+" FROM users"+where(conditions)+" ORDER BY id", args, filter.Skip, filter.Limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}
	return users, nil
}

// CountUsersByRole counts active and inactive users holding role
func (s *Store) CountUsersByRole(ctx context.Context, role model.Role) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE role = ?", string(role)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

// AddAuditLog appends an audit record
func (s *Store) AddAuditLog(ctx context.Context, entry *model.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO user_audit_logs (user_id, action, details, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.UserID, entry.Action, rawText(entry.Details), entry.IPAddress, entry.UserAgent, formatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	entry.ID, err = res.LastInsertId()
	return err
}

// ListAuditLogs returns the newest audit records for a user first
func (s *Store) ListAuditLogs(ctx context.Context, userID int64, limit int) ([]model.AuditLog, error) {
	query, args := page(`SELECT id, user_id, action, details, ip_address, user_agent, created_at
		FROM user_audit_logs WHERE user_id = ? ORDER BY created_at DESC, id DESC`, []interface{}{userID}, 0, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs := []model.AuditLog{}
	for rows.Next() {
		var (
			entry              model.AuditLog
			details, createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Action, &details, &entry.IPAddress, &entry.UserAgent, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		entry.Details = textRaw(details)
		entry.CreatedAt = parseTime(createdAt)
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

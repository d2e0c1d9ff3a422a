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

// Package users implements account management: registration, login with
// lockout, password changes and resets, and the admin user operations.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tailingsiq/tailingsiq-backend/internal/auth"
	"github.com/tailingsiq/tailingsiq-backend/internal/config"
	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
	"github.com/tailingsiq/tailingsiq-backend/internal/store"
)

// Audit actions
const (
	ActionUserCreated        = "user_created"
	ActionUserUpdated        = "user_updated"
	ActionUserDeleted        = "user_deleted"
	ActionLoginSuccess       = "login_success"
	ActionLoginFailed        = "login_failed"
	ActionLogout             = "logout"
	ActionPasswordChanged    = "password_changed"
	ActionResetRequested     = "password_reset_requested"
	ActionPasswordReset      = "password_reset"
	ActionAdminPasswordReset = "admin_password_reset"
)

// ResetRequestedMessage is returned whether or not the email exists
const ResetRequestedMessage = "If the email exists, a password reset link has been sent"

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Store is the persistence the service needs
type Store interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByResetToken(ctx context.Context, token string) (*model.User, error)
	UpdateUser(ctx context.Context, u *model.User) error
	ListUsers(ctx context.Context, filter model.UserFilter) ([]model.User, error)
	CountUsersByRole(ctx context.Context, role model.Role) (int, error)
	AddAuditLog(ctx context.Context, entry *model.AuditLog) error
}

// Service manages user accounts
type Service struct {
	store  Store
	tokens *auth.TokenManager
	cfg    config.AuthConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a user service
func NewService(st Store, tokens *auth.TokenManager, cfg config.AuthConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  st,
		tokens: tokens,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// CreateInput is the data needed to register a user
type CreateInput struct {
	Username         string     `json:"username" binding:"required"`
	Email            string     `json:"email" binding:"required"`
	Password         string     `json:"password" binding:"required"`
	FullName         string     `json:"full_name"`
	Role             model.Role `json:"role"`
	Organization     string     `json:"organization"`
	JobTitle         string     `json:"job_title"`
	Phone            string     `json:"phone"`
	FacilitiesAccess []string   `json:"facilities_access"`
}

// Update carries optional field changes. Nil fields are left alone.
type Update struct {
	Email            *string           `json:"email"`
	FullName         *string           `json:"full_name"`
	Organization     *string           `json:"organization"`
	JobTitle         *string           `json:"job_title"`
	Phone            *string           `json:"phone"`
	Role             *model.Role       `json:"role"`
	Status           *model.UserStatus `json:"status"`
	FacilitiesAccess *[]string         `json:"facilities_access"`
}

// Meta identifies the client making a request, for the audit log
type Meta struct {
	IPAddress string
	UserAgent string
}

// LoginResult is returned by Login
type LoginResult struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   int         `json:"expires_in"`
	User        *model.User `json:"user"`
}

// Create registers a new active user
func (s *Service) Create(ctx context.Context, in CreateInput, createdBy int64) (*model.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))

	if in.Username == "" {
		return nil, resilience.NewBadRequestError("Username is required", nil)
	}
	if !emailPattern.MatchString(in.Email) {
		return nil, resilience.NewBadRequestError("Invalid email format", nil)
	}
	if in.Role == "" {
		in.Role = model.RoleViewer
	}
	if !in.Role.Valid() {
		return nil, resilience.NewBadRequestError(fmt.Sprintf("Invalid role: %s", in.Role), nil)
	}
	if problems := auth.ValidatePassword(in.Password, s.cfg.Password); len(problems) > 0 {
		return nil, resilience.NewBadRequestError("Password does not meet requirements", nil).
			WithContext("problems", problems)
	}

	if _, err := s.store.GetUserByUsername(ctx, in.Username); err == nil {
		return nil, resilience.NewBadRequestError("Username already exists", nil)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, resilience.NewInternalError("Failed to create user", err)
	}
	if _, err := s.store.GetUserByEmail(ctx, in.Email); err == nil {
		return nil, resilience.NewBadRequestError("Email already exists", nil)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, resilience.NewInternalError("Failed to create user", err)
	}

	hash, err := auth.HashPassword(in.Password, s.cfg.BcryptCost)
	if err != nil {
		return nil, resilience.NewInternalError("Failed to create user", err)
	}

	now := s.now().UTC()
	facilities := make([]string, 0, len(in.FacilitiesAccess))
	for _, f := range in.FacilitiesAccess {
		if f = model.NormalizeFacilityID(f); f != "" {
			facilities = append(facilities, f)
		}
	}
	u := &model.User{
		Username:           in.Username,
		Email:              in.Email,
		FullName:           in.FullName,
		PasswordHash:       hash,
		Role:               in.Role,
		Status:             model.UserActive,
		Organization:       in.Organization,
		JobTitle:           in.JobTitle,
		Phone:              in.Phone,
		FacilitiesAccess:   facilities,
		LastPasswordChange: &now,
		CreatedAt:          now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, resilience.NewBadRequestError("Username already exists", err)
		}
		return nil, resilience.NewInternalError("Failed to create user", err)
	}

	s.audit(ctx, u.ID, ActionUserCreated, map[string]interface{}{"created_by": createdBy, "role": u.Role}, Meta{})
	s.logger.Info("User created", zap.String("username", u.Username), zap.Int64("user_id", u.ID))
	return u, nil
}

// Authenticate checks credentials, applying lockout after repeated failures
func (s *Service) Authenticate(ctx context.Context, username, password string, meta Meta) (*model.User, error) {
	invalid := resilience.NewUnauthorizedError("Incorrect username or password", nil)

	u, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("Login attempt for unknown user", zap.String("username", username))
		return nil, invalid
	}
	if err != nil {
		return nil, resilience.NewInternalError("Authentication failed", err)
	}

	now := s.now().UTC()
	if s.cfg.MaxFailedAttempts > 0 && u.FailedLoginAttempts >= s.cfg.MaxFailedAttempts {
		if u.LastFailedLoginAt != nil && now.Sub(*u.LastFailedLoginAt) < s.cfg.LockoutDuration {
			s.logger.Warn("Login attempt for locked account", zap.String("username", u.Username))
			return nil, resilience.NewUnauthorizedError("Account is temporarily locked due to repeated failed logins", nil)
		}
		u.FailedLoginAttempts = 0
	}

	if u.Status != model.UserActive {
		return nil, resilience.NewBadRequestError("Inactive user", nil)
	}

	if !auth.CheckPassword(password, u.PasswordHash) {
		u.FailedLoginAttempts++
		u.LastFailedLoginAt = &now
		if err := s.store.UpdateUser(ctx, u); err != nil {
			s.logger.Error("Failed to record login failure", zap.Error(err))
		}
		s.audit(ctx, u.ID, ActionLoginFailed, map[string]interface{}{"failed_attempts": u.FailedLoginAttempts}, meta)
		return nil, invalid
	}

	u.LastLogin = &now
	u.FailedLoginAttempts = 0
	if err := s.store.UpdateUser(ctx, u); err != nil {
		return nil, resilience.NewInternalError("Authentication failed", err)
	}
	s.audit(ctx, u.ID, ActionLoginSuccess, nil, meta)
	s.logger.Info("User logged in", zap.String("username", u.Username))
	return u, nil
}

// Login authenticates and issues an access token
func (s *Service) Login(ctx context.Context, username, password string, meta Meta) (*LoginResult, error) {
	u, err := s.Authenticate(ctx, username, password, meta)
	if err != nil {
		return nil, err
	}
	token, _, err := s.tokens.IssueToken(u)
	if err != nil {
		return nil, resilience.NewInternalError("Failed to issue token", err)
	}
	return &LoginResult{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(s.tokens.Expiry().Seconds()),
		User:        u,
	}, nil
}

// CurrentUser resolves a bearer token to an active user
func (s *Service) CurrentUser(ctx context.Context, token string) (*model.User, error) {
	unauthorized := resilience.NewUnauthorizedError("Could not validate credentials", nil)

	claims, err := s.tokens.ValidateToken(token)
	if err != nil {
		return nil, unauthorized
	}
	u, err := s.store.GetUserByUsername(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return nil, unauthorized
	}
	if err != nil {
		return nil, resilience.NewInternalError("Failed to load user", err)
	}
	if u.Status != model.UserActive {
		return nil, resilience.NewBadRequestError("Inactive user", nil)
	}
	return u, nil
}

// Logout records the logout. Tokens are stateless and expire on their own.
func (s *Service) Logout(ctx context.Context, u *model.User, meta Meta) {
	s.audit(ctx, u.ID, ActionLogout, nil, meta)
}

// UpdateProfile applies a self-service update. Role, status and facility
// access cannot be changed this way.
func (s *Service) UpdateProfile(ctx context.Context, u *model.User, upd Update) (*model.User, error) {
	upd.Role = nil
	upd.Status = nil
	upd.FacilitiesAccess = nil
	return s.applyUpdate(ctx, u, upd, u.ID)
}

func (s *Service) applyUpdate(ctx context.Context, u *model.User, upd Update, actorID int64) (*model.User, error) {
	changed := []string{}
	if upd.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*upd.Email))
		if !emailPattern.MatchString(email) {
			return nil, resilience.NewBadRequestError("Invalid email format", nil)
		}
		if email != u.Email {
			if other, err := s.store.GetUserByEmail(ctx, email); err == nil && other.ID != u.ID {
				return nil, resilience.NewBadRequestError("Email already exists", nil)
			}
			u.Email = email
			changed = append(changed, "email")
		}
	}
	if upd.FullName != nil {
		u.FullName = *upd.FullName
		changed = append(changed, "full_name")
	}
	if upd.Organization != nil {
		u.Organization = *upd.Organization
		changed = append(changed, "organization")
	}
	if upd.JobTitle != nil {
		u.JobTitle = *upd.JobTitle
		changed = append(changed, "job_title")
	}
	if upd.Phone != nil {
		u.Phone = *upd.Phone
		changed = append(changed, "phone")
	}
	if upd.Role != nil {
		if !upd.Role.Valid() {
			return nil, resilience.NewBadRequestError(fmt.Sprintf("Invalid role: %s", *upd.Role), nil)
		}
		u.Role = *upd.Role
		changed = append(changed, "role")
	}
	if upd.Status != nil {
		if !upd.Status.Valid() {
			return nil, resilience.NewBadRequestError(fmt.Sprintf("Invalid status: %s", *upd.Status), nil)
		}
		u.Status = *upd.Status
		changed = append(changed, "status")
	}
	if upd.FacilitiesAccess != nil {
		facilities := []string{}
		for _, f := range *upd.FacilitiesAccess {
			if f = model.NormalizeFacilityID(f); f != "" {
				facilities = append(facilities, f)
			}
		}
		u.FacilitiesAccess = facilities
		changed = append(changed, "facilities_access")
	}

	if err := s.store.UpdateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, resilience.NewBadRequestError("Email already exists", err)
		}
		return nil, resilience.NewInternalError("Failed to update user", err)
	}
	s.audit(ctx, u.ID, ActionUserUpdated, map[string]interface{}{"fields": changed, "updated_by": actorID}, Meta{})
	return u, nil
}

// ChangePassword replaces the password after checking the current one
func (s *Service) ChangePassword(ctx context.Context, u *model.User, current, next string) error {
	if !auth.CheckPassword(current, u.PasswordHash) {
		return resilience.NewBadRequestError("Current password is incorrect", nil)
	}
	if err := s.setPassword(ctx, u, next); err != nil {
		return err
	}
	s.audit(ctx, u.ID, ActionPasswordChanged, nil, Meta{})
	return nil
}

func (s *Service) setPassword(ctx context.Context, u *model.User, password string) error {
	if problems := auth.ValidatePassword(password, s.cfg.Password); len(problems) > 0 {
		return resilience.NewBadRequestError("Password does not meet requirements", nil).
			WithContext("problems", problems)
	}
	hash, err := auth.HashPassword(password, s.cfg.BcryptCost)
	if err != nil {
		return resilience.NewInternalError("Failed to update password", err)
	}
	now := s.now().UTC()
	u.PasswordHash = hash
	u.LastPasswordChange = &now
	u.FailedLoginAttempts = 0
	if err := s.store.UpdateUser(ctx, u); err != nil {
		return resilience.NewInternalError("Failed to update password", err)
	}
	return nil
}

// RequestPasswordReset stores a reset token for the account with this email.
// The message is the same whether or not the account exists. The token is
// returned for delivery by the caller and is empty for unknown emails.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, string, error) {
	u, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(strings.ToLower(email)))
	if errors.Is(err, store.ErrNotFound) {
		return ResetRequestedMessage, "", nil
	}
	if err != nil {
		return "", "", resilience.NewInternalError("Failed to request password reset", err)
	}

	token, err := auth.GenerateResetToken()
	if err != nil {
		return "", "", resilience.NewInternalError("Failed to request password reset", err)
	}
	expires := s.now().UTC().Add(s.cfg.ResetTokenTTL)
	u.ResetToken = token
	u.ResetTokenExpiresAt = &expires
	if err := s.store.UpdateUser(ctx, u); err != nil {
		return "", "", resilience.NewInternalError("Failed to request password reset", err)
	}
	s.audit(ctx, u.ID, ActionResetRequested, nil, Meta{})
	return ResetRequestedMessage, token, nil
}

// ResetPassword sets a new password using a reset token and clears the token
func (s *Service) ResetPassword(ctx context.Context, token, password string) error {
	invalid := resilience.NewBadRequestError("Invalid or expired reset token", nil)
	if token == "" {
		return invalid
	}
	u, err := s.store.GetUserByResetToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return invalid
	}
	if err != nil {
		return resilience.NewInternalError("Failed to reset password", err)
	}
	if u.ResetTokenExpiresAt == nil || s.now().After(*u.ResetTokenExpiresAt) {
		return invalid
	}

	u.ResetToken = ""
	u.ResetTokenExpiresAt = nil
	if err := s.setPassword(ctx, u, password); err != nil {
		return err
	}
	s.audit(ctx, u.ID, ActionPasswordReset, nil, Meta{})
	return nil
}

// List returns users for the admin listing
func (s *Service) List(ctx context.Context, filter model.UserFilter) ([]model.User, error) {
	users, err := s.store.ListUsers(ctx, filter)
	if err != nil {
		return nil, resilience.NewInternalError("Failed to list users", err)
	}
	return users, nil
}

// Get returns a user by id
func (s *Service) Get(ctx context.Context, id int64) (*model.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, resilience.NewNotFoundError("User not found", nil)
	}
	if err != nil {
		return nil, resilience.NewInternalError("Failed to load user", err)
	}
	return u, nil
}

// AdminUpdate changes any field of another user. Only a super admin may
// modify a super admin.
func (s *Service) AdminUpdate(ctx context.Context, actor *model.User, id int64, upd Update) (*model.User, error) {
	target, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if target.Role == model.RoleSuperAdmin && actor.Role != model.RoleSuperAdmin {
		return nil, resilience.NewForbiddenError("Cannot modify super admin user", nil)
	}
	if upd.Role != nil && *upd.Role == model.RoleSuperAdmin && actor.Role != model.RoleSuperAdmin {
		return nil, resilience.NewForbiddenError("Only a super admin can grant the super admin role", nil)
	}
	return s.applyUpdate(ctx, target, upd, actor.ID)
}

// Delete deactivates a user. Only a super admin may delete and super admins
// cannot be deleted.
func (s *Service) Delete(ctx context.Context, actor *model.User, id int64) error {
	if actor.Role != model.RoleSuperAdmin {
		return resilience.NewForbiddenError("Only super admin can delete users", nil)
	}
	target, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if target.Role == model.RoleSuperAdmin {
		return resilience.NewBadRequestError("Cannot delete super admin user", nil)
	}
	target.Status = model.UserInactive
	if err := s.store.UpdateUser(ctx, target); err != nil {
		return resilience.NewInternalError("Failed to delete user", err)
	}
	s.audit(ctx, target.ID, ActionUserDeleted, map[string]interface{}{"deleted_by": actor.ID}, Meta{})
	return nil
}

// AdminResetPassword sets a temporary password and returns it
func (s *Service) AdminResetPassword(ctx context.Context, actor *model.User, id int64) (string, error) {
	target, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if target.Role == model.RoleSuperAdmin && actor.Role != model.RoleSuperAdmin {
		return "", resilience.NewForbiddenError("Cannot modify super admin user", nil)
	}

	temp, err := auth.GenerateTemporaryPassword(12)
	if err != nil {
		return "", resilience.NewInternalError("Failed to reset password", err)
	}
	hash, err := auth.HashPassword(temp, s.cfg.BcryptCost)
	if err != nil {
		return "", resilience.NewInternalError("Failed to reset password", err)
	}
	now := s.now().UTC()
	target.PasswordHash = hash
	target.LastPasswordChange = &now
	target.FailedLoginAttempts = 0
	if err := s.store.UpdateUser(ctx, target); err != nil {
		return "", resilience.NewInternalError("Failed to reset password", err)
	}
	s.audit(ctx, target.ID, ActionAdminPasswordReset, map[string]interface{}{"reset_by": actor.ID}, Meta{})
	return temp, nil
}

// EnsureSuperAdmin creates the bootstrap super admin when none exists.
// It reports whether an account was created.
func (s *Service) EnsureSuperAdmin(ctx context.Context, bootstrap config.BootstrapAdmin) (bool, error) {
	n, err := s.store.CountUsersByRole(ctx, model.RoleSuperAdmin)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}

	hash, err := auth.HashPassword(bootstrap.Password, s.cfg.BcryptCost)
	if err != nil {
		return false, err
	}
	now := s.now().UTC()
	u := &model.User{
		Username:           bootstrap.Username,
		Email:              strings.ToLower(bootstrap.Email),
		FullName:           bootstrap.FullName,
		PasswordHash:       hash,
		Role:               model.RoleSuperAdmin,
		Status:             model.UserActive,
		IsVerified:         true,
		LastPasswordChange: &now,
		CreatedAt:          now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return false, fmt.Errorf("failed to create super admin: %w", err)
	}
	s.audit(ctx, u.ID, ActionUserCreated, map[string]interface{}{"bootstrap": true}, Meta{})
	s.logger.Warn("Created bootstrap super admin; change its password", zap.String("username", u.Username))
	return true, nil
}

func (s *Service) audit(ctx context.Context, userID int64, action string, details map[string]interface{}, meta Meta) {
	entry := &model.AuditLog{
		UserID:    userID,
		Action:    action,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	}
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			entry.Details = b
		}
	}
	if err := s.store.AddAuditLog(ctx, entry); err != nil {
		s.logger.Error("Failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}

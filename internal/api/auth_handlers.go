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

package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/resilience"
	"github.com/tailingsiq/tailingsiq-backend/internal/users"
)

// LoginRequest accepts either a JSON body or the OAuth2 password form
type LoginRequest struct {
	Username string `json:"username" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

// ChangePasswordRequest is the body of POST /auth/change-password
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
}

// PasswordResetRequest is the body of POST /auth/request-password-reset
type PasswordResetRequest struct {
	Email string `json:"email" binding:"required"`
}

// ResetPasswordRequest is the body of POST /auth/reset-password
type ResetPasswordRequest struct {
	Token       string `json:"token" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

func meta(c *gin.Context) users.Meta {
	return users.Meta{IPAddress: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	var err error
	if strings.HasPrefix(c.ContentType(), "application/json") {
		err = c.ShouldBindJSON(&req)
	} else {
		err = c.ShouldBind(&req)
	}
	if err != nil {
		s.fail(c, resilience.NewBadRequestError("Username and password are required", err), "decoding login")
		return
	}

	res, err := s.users.Login(c.Request.Context(), req.Username, req.Password, meta(c))
	if err != nil {
		var se *resilience.ServiceError
		if resilience.AsServiceError(err, &se) && se.StatusCode == http.StatusUnauthorized {
			c.Header("WWW-Authenticate", "Bearer")
		}
		s.fail(c, err, "logging in")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleLogout(c *gin.Context) {
	s.users.Logout(c.Request.Context(), currentUser(c), meta(c))
	c.JSON(http.StatusOK, gin.H{"message": "Successfully logged out"})
}

func (s *Server) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, currentUser(c))
}

func (s *Server) handleUpdateProfile(c *gin.Context) {
	var upd users.Update
	if !s.bindJSON(c, &upd) {
		return
	}
	u, err := s.users.UpdateProfile(c.Request.Context(), currentUser(c), upd)
	if err != nil {
		s.fail(c, err, "updating profile")
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) handleChangePassword(c *gin.Context) {
	var req ChangePasswordRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if err := s.users.ChangePassword(c.Request.Context(), currentUser(c), req.CurrentPassword, req.NewPassword); err != nil {
		s.fail(c, err, "changing password")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Password changed successfully"})
}

func (s *Server) handleRequestPasswordReset(c *gin.Context) {
	var req PasswordResetRequest
	if !s.bindJSON(c, &req) {
		return
	}
	msg, token, err := s.users.RequestPasswordReset(c.Request.Context(), req.Email)
	if err != nil {
		s.fail(c, err, "requesting password reset")
		return
	}
	body := gin.H{"message": msg}
	// No mail transport exists yet; debug deployments hand the token back.
	if token != "" && s.cfg.App.Debug && !s.cfg.IsProduction() {
		body["reset_token"] = token
	}
	if token != "" {
		s.logger.Info("Password reset requested", zap.String("request_id", requestID(c)))
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleResetPassword(c *gin.Context) {
	var req ResetPasswordRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if err := s.users.ResetPassword(c.Request.Context(), req.Token, req.NewPassword); err != nil {
		s.fail(c, err, "resetting password")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Password reset successfully"})
}

func (s *Server) handleListUsers(c *gin.Context) {
	skip, ok := s.queryInt(c, "skip", 0)
	if !ok {
		return
	}
	limit, ok := s.queryInt(c, "limit", 100)
	if !ok {
		return
	}
	list, err := s.users.List(c.Request.Context(), model.UserFilter{
		Role:         model.Role(c.Query("role")),
		Status:       model.UserStatus(c.Query("status")),
		Organization: c.Query("organization"),
		Skip:         skip,
		Limit:        limit,
	})
	if err != nil {
		s.fail(c, err, "listing users")
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleCreateUser(c *gin.Context) {
	var in users.CreateInput
	if !s.bindJSON(c, &in) {
		return
	}
	actor := currentUser(c)
	if in.Role == model.RoleSuperAdmin && actor.Role != model.RoleSuperAdmin {
		s.fail(c, resilience.NewForbiddenError("Only a super admin can grant the super admin role", nil), "creating user")
		return
	}
	u, err := s.users.Create(c.Request.Context(), in, actor.ID)
	if err != nil {
		s.fail(c, err, "creating user")
		return
	}
	c.JSON(http.StatusCreated, u)
}

func (s *Server) handleGetUser(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	u, err := s.users.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err, "loading user")
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) handleUpdateUser(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var upd users.Update
	if !s.bindJSON(c, &upd) {
		return
	}
	u, err := s.users.AdminUpdate(c.Request.Context(), currentUser(c), id, upd)
	if err != nil {
		s.fail(c, err, "updating user")
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) handleDeleteUser(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	if err := s.users.Delete(c.Request.Context(), currentUser(c), id); err != nil {
		s.fail(c, err, "deleting user")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "User deleted successfully"})
}

func (s *Server) handleAdminResetPassword(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	temp, err := s.users.AdminResetPassword(c.Request.Context(), currentUser(c), id)
	if err != nil {
		s.fail(c, err, "resetting password")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":            "Password reset successfully",
		"temporary_password": temp,
	})
}

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
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/tailingsiq/tailingsiq-backend/internal/config"
)

const symbols = "!@#$%^&*(),.?\":{}|<>"

// HashPassword hashes a password with bcrypt at the given cost
func HashPassword(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the bcrypt hash
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidatePassword returns every policy rule the password violates
func ValidatePassword(password string, policy config.PasswordPolicy) []string {
	var problems []string

	if len([]rune(password)) < policy.MinLength {
		problems = append(problems, fmt.Sprintf("Password must be at least %d characters long", policy.MinLength))
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(symbols, r):
			symbol = true
		}
	}

	if policy.RequireUppercase && !upper {
		problems = append(problems, "Password must contain at least one uppercase letter")
	}
	if policy.RequireLowercase && !lower {
		problems = append(problems, "Password must contain at least one lowercase letter")
	}
	if policy.RequireDigit && !digit {
		problems = append(problems, "Password must contain at least one digit")
	}
	if policy.RequireSymbol && !symbol {
		problems = append(problems, "Password must contain at least one special character")
	}
	return problems
}

// GenerateResetToken returns 32 random bytes encoded as URL-safe base64
func GenerateResetToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate reset token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateTemporaryPassword returns a random alphanumeric password of length n
func GenerateTemporaryPassword(n int) (string, error) {
	if n <= 0 {
		n = 12
	}
	max := big.NewInt(int64(len(passwordAlphabet)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("auth: generate password: %w", err)
		}
		b.WriteByte(passwordAlphabet[idx.Int64()])
	}
	return b.String(), nil
}

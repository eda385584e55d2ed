// Copyright 2024-2025 The restogw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"

	"github.com/cortezalberto/restogw/common"
)

// ErrTokenExpired the credential was well formed but is past its lifetime
var ErrTokenExpired = errors.New("credential expired")

// ErrTokenInvalid the credential failed verification for any non-expiry reason
var ErrTokenInvalid = errors.New("credential invalid")

// Claims the verified identity and scope of a connection
type Claims struct {
	// TenantID the tenant the connection belongs to. Never empty.
	TenantID string `json:"tenant_id" validate:"required"`
	// UserID the staff user, empty for guest sessions
	UserID string `json:"user_id,omitempty"`
	// SessionID the guest session, empty for staff connections
	SessionID string `json:"session_id,omitempty"`
	// Roles the role names carried by the credential
	Roles []string `json:"roles,omitempty"`
	// BranchIDs the branches the connection is scoped to
	BranchIDs []string `json:"branch_ids,omitempty"`
	// IsAdmin whether the credential grants admin scope
	IsAdmin bool `json:"is_admin"`
}

// Strategy verifies a credential and produces claims. Pure verification,
// no side effects.
type Strategy interface {
	// Authenticate verify one credential
	Authenticate(ctxt context.Context, credential string) (Claims, error)
}

// =======================================================================
// Staff / Admin strategy

// staffTokenClaims wire format of a staff / admin token
type staffTokenClaims struct {
	TenantID  string   `json:"tid"`
	UserID    string   `json:"uid"`
	Roles     []string `json:"roles"`
	BranchIDs []string `json:"branches"`
	Admin     bool     `json:"admin"`
	jwt.RegisteredClaims
}

// staffStrategyImpl implements Strategy for long-lived signed staff tokens
type staffStrategyImpl struct {
	common.Component
	secret []byte
	skew   time.Duration
}

// GetStaffAuthStrategy define a Strategy verifying staff / admin credentials
func GetStaffAuthStrategy(secret []byte, clockSkew time.Duration) (Strategy, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("staff strategy requires a signing secret")
	}
	logTags := log.Fields{"module": "auth", "component": "staff-strategy"}
	return &staffStrategyImpl{
		Component: common.Component{LogTags: logTags}, secret: secret, skew: clockSkew,
	}, nil
}

// Authenticate verify one credential
func (s *staffStrategyImpl) Authenticate(
	ctxt context.Context, credential string,
) (Claims, error) {
	var parsed staffTokenClaims
	if err := verifyHMACToken(credential, s.secret, s.skew, &parsed); err != nil {
		return Claims{}, err
	}
	if parsed.TenantID == "" || parsed.UserID == "" {
		log.WithFields(s.LogTags).Warn("Staff token missing tenant or user")
		return Claims{}, ErrTokenInvalid
	}
	return Claims{
		TenantID:  parsed.TenantID,
		UserID:    parsed.UserID,
		Roles:     parsed.Roles,
		BranchIDs: parsed.BranchIDs,
		IsAdmin:   parsed.Admin,
	}, nil
}

// =======================================================================
// Guest session strategy

// guestTokenClaims wire format of a short-lived guest session token
type guestTokenClaims struct {
	TenantID  string `json:"tid"`
	SessionID string `json:"sid"`
	BranchID  string `json:"bid"`
	jwt.RegisteredClaims
}

// guestStrategyImpl implements Strategy for session-bound guest tokens
type guestStrategyImpl struct {
	common.Component
	secret []byte
	skew   time.Duration
}

// GetGuestAuthStrategy define a Strategy verifying guest session credentials
func GetGuestAuthStrategy(secret []byte, clockSkew time.Duration) (Strategy, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("guest strategy requires a signing secret")
	}
	logTags := log.Fields{"module": "auth", "component": "guest-strategy"}
	return &guestStrategyImpl{
		Component: common.Component{LogTags: logTags}, secret: secret, skew: clockSkew,
	}, nil
}

// Authenticate verify one credential
func (s *guestStrategyImpl) Authenticate(
	ctxt context.Context, credential string,
) (Claims, error) {
	var parsed guestTokenClaims
	if err := verifyHMACToken(credential, s.secret, s.skew, &parsed); err != nil {
		return Claims{}, err
	}
	if parsed.TenantID == "" || parsed.SessionID == "" || parsed.BranchID == "" {
		log.WithFields(s.LogTags).Warn("Guest token missing tenant, session or branch")
		return Claims{}, ErrTokenInvalid
	}
	return Claims{
		TenantID:  parsed.TenantID,
		SessionID: parsed.SessionID,
		BranchIDs: []string{parsed.BranchID},
	}, nil
}

// =======================================================================
// Composite strategy

// compositeStrategyImpl implements Strategy by trying a list of strategies in order
type compositeStrategyImpl struct {
	common.Component
	strategies []Strategy
}

// GetCompositeAuthStrategy define a Strategy which tries strategies in order,
// returning the first success. If all fail, the last error is returned.
func GetCompositeAuthStrategy(strategies ...Strategy) (Strategy, error) {
	if len(strategies) == 0 {
		return nil, fmt.Errorf("composite strategy requires at least one strategy")
	}
	logTags := log.Fields{"module": "auth", "component": "composite-strategy"}
	return &compositeStrategyImpl{
		Component: common.Component{LogTags: logTags}, strategies: strategies,
	}, nil
}

// Authenticate verify one credential
func (s *compositeStrategyImpl) Authenticate(
	ctxt context.Context, credential string,
) (Claims, error) {
	err := error(ErrTokenInvalid)
	for _, strategy := range s.strategies {
		claims, thisErr := strategy.Authenticate(ctxt, credential)
		if thisErr == nil {
			return claims, nil
		}
		err = thisErr
	}
	return Claims{}, err
}

// =======================================================================
// Null strategy

// nullStrategyImpl implements Strategy by returning a fixed set of claims.
// Test support only.
type nullStrategyImpl struct {
	claims Claims
}

// GetNullAuthStrategy define a Strategy which accepts any credential and
// returns the given claims
func GetNullAuthStrategy(claims Claims) Strategy {
	return &nullStrategyImpl{claims: claims}
}

// Authenticate verify one credential
func (s *nullStrategyImpl) Authenticate(
	ctxt context.Context, credential string,
) (Claims, error) {
	return s.claims, nil
}

// =======================================================================
// Shared verification / minting helpers

// verifyHMACToken parse and verify an HS256 token into claims, mapping
// failures onto the gateway error taxonomy
func verifyHMACToken(
	credential string, secret []byte, skew time.Duration, claims jwt.Claims,
) error {
	_, err := jwt.ParseWithClaims(
		credential,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(skew),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrTokenInvalid
	}
	return nil
}

// IssueStaffToken mint a signed staff / admin token. Used by sibling services
// and tests; the gateway itself only verifies.
func IssueStaffToken(
	secret []byte, tenant, user string, roles, branches []string, admin bool,
	lifetime time.Duration,
) (string, error) {
	now := time.Now()
	claims := staffTokenClaims{
		TenantID:  tenant,
		UserID:    user,
		Roles:     roles,
		BranchIDs: branches,
		Admin:     admin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// IssueGuestToken mint a signed short-lived guest session token
func IssueGuestToken(
	secret []byte, tenant, session, branch string, lifetime time.Duration,
) (string, error) {
	now := time.Now()
	claims := guestTokenClaims{
		TenantID:  tenant,
		SessionID: session,
		BranchID:  branch,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

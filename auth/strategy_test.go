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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStaffStrategy(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	secret := []byte("ut-staff-secret")
	uut, err := GetStaffAuthStrategy(secret, 0)
	assert.Nil(err)

	// Case 0: valid token
	token, err := IssueStaffToken(
		secret, "tenant-1", "user-7", []string{"waiter"}, []string{"branch-5"}, false,
		time.Minute,
	)
	assert.Nil(err)
	claims, err := uut.Authenticate(utCtxt, token)
	assert.Nil(err)
	assert.Equal("tenant-1", claims.TenantID)
	assert.Equal("user-7", claims.UserID)
	assert.Equal([]string{"branch-5"}, claims.BranchIDs)
	assert.False(claims.IsAdmin)
	assert.Empty(claims.SessionID)

	// Case 1: admin flag carries through
	token, err = IssueStaffToken(
		secret, "tenant-1", "user-8", nil, []string{"branch-5", "branch-6"}, true,
		time.Minute,
	)
	assert.Nil(err)
	claims, err = uut.Authenticate(utCtxt, token)
	assert.Nil(err)
	assert.True(claims.IsAdmin)

	// Case 2: expired token is distinguished from invalid
	token, err = IssueStaffToken(
		secret, "tenant-1", "user-7", nil, nil, false, -time.Minute,
	)
	assert.Nil(err)
	_, err = uut.Authenticate(utCtxt, token)
	assert.ErrorIs(err, ErrTokenExpired)

	// Case 3: wrong signing secret
	token, err = IssueStaffToken(
		[]byte("some-other-secret"), "tenant-1", "user-7", nil, nil, false, time.Minute,
	)
	assert.Nil(err)
	_, err = uut.Authenticate(utCtxt, token)
	assert.ErrorIs(err, ErrTokenInvalid)

	// Case 4: garbage credential
	_, err = uut.Authenticate(utCtxt, "not-a-token")
	assert.ErrorIs(err, ErrTokenInvalid)
}

func TestGuestStrategy(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	secret := []byte("ut-guest-secret")
	uut, err := GetGuestAuthStrategy(secret, 0)
	assert.Nil(err)

	// Case 0: valid session token
	token, err := IssueGuestToken(secret, "tenant-2", "session-11", "branch-3", time.Minute)
	assert.Nil(err)
	claims, err := uut.Authenticate(utCtxt, token)
	assert.Nil(err)
	assert.Equal("tenant-2", claims.TenantID)
	assert.Equal("session-11", claims.SessionID)
	assert.Equal([]string{"branch-3"}, claims.BranchIDs)
	assert.Empty(claims.UserID)
	assert.False(claims.IsAdmin)

	// Case 1: staff token is rejected by the guest strategy
	staffToken, err := IssueStaffToken(
		[]byte("ut-staff-secret"), "tenant-2", "user-1", nil, nil, false, time.Minute,
	)
	assert.Nil(err)
	_, err = uut.Authenticate(utCtxt, staffToken)
	assert.ErrorIs(err, ErrTokenInvalid)
}

func TestCompositeStrategy(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	staffSecret := []byte("ut-staff-secret")
	guestSecret := []byte("ut-guest-secret")
	staff, err := GetStaffAuthStrategy(staffSecret, 0)
	assert.Nil(err)
	guest, err := GetGuestAuthStrategy(guestSecret, 0)
	assert.Nil(err)
	uut, err := GetCompositeAuthStrategy(staff, guest)
	assert.Nil(err)

	// Case 0: staff token accepted by first strategy
	token, err := IssueStaffToken(
		staffSecret, "tenant-1", "user-1", nil, []string{"branch-1"}, false, time.Minute,
	)
	assert.Nil(err)
	claims, err := uut.Authenticate(utCtxt, token)
	assert.Nil(err)
	assert.Equal("user-1", claims.UserID)

	// Case 1: guest token falls through to the second strategy
	token, err = IssueGuestToken(guestSecret, "tenant-1", "session-4", "branch-1", time.Minute)
	assert.Nil(err)
	claims, err = uut.Authenticate(utCtxt, token)
	assert.Nil(err)
	assert.Equal("session-4", claims.SessionID)

	// Case 2: all strategies reject
	_, err = uut.Authenticate(utCtxt, "garbage")
	assert.ErrorIs(err, ErrTokenInvalid)
}

func TestNullStrategy(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	canned := Claims{TenantID: "tenant-9", UserID: "user-2", BranchIDs: []string{"branch-1"}}
	uut := GetNullAuthStrategy(canned)

	claims, err := uut.Authenticate(utCtxt, "anything")
	assert.Nil(err)
	assert.Equal(canned, claims)
}

// Copyright 2023 The todopush Authors
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
	"fmt"
	"time"

	"github.com/alwitt/todopush/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
)

// Claims the verified content of a credential
type Claims struct {
	// Subject the principal the credential was issued to
	Subject string
	// Email the principal's email
	Email string
	// IssuedAt when the credential was minted
	IssuedAt time.Time
	// ExpiresAt when the credential stops being valid
	ExpiresAt time.Time
}

// CredentialAuthority verifies opaque signed credentials, and mints renewed
// credentials for an already verified subject
type CredentialAuthority interface {
	Verify(token string) (Claims, error)
	Sign(subject string, email string, lifetime time.Duration) (string, error)
}

// tokenClaims the JWT claim set carried by a credential
type tokenClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// jwtCredentialAuthority implements CredentialAuthority against HS256 JWTs
type jwtCredentialAuthority struct {
	common.Component
	secret []byte
}

// DefineJWTCredentialAuthority create new JWT based credential authority
func DefineJWTCredentialAuthority(secret []byte) (CredentialAuthority, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("credential authority needs a non-empty signing secret")
	}
	logTags := log.Fields{
		"module": "auth", "component": "jwt-credential-authority",
	}
	return &jwtCredentialAuthority{
		Component: common.Component{LogTags: logTags}, secret: secret,
	}, nil
}

// Verify decode and cryptographically verify a credential
func (a *jwtCredentialAuthority) Verify(token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(
		token, &tokenClaims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected token signing method %s", t.Method.Alg())
			}
			return a.secret, nil
		},
	)
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Debug("Credential verification failed")
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Claims{}, fmt.Errorf("credential carries no usable claims")
	}
	if claims.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("credential carries no expiry")
	}
	result := Claims{
		Subject: claims.Subject, Email: claims.Email, ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		result.IssuedAt = claims.IssuedAt.Time
	}
	return result, nil
}

// Sign mint a new credential for a subject
func (a *jwtCredentialAuthority) Sign(
	subject string, email string, lifetime time.Duration,
) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Errorf(
			"Unable to sign credential for %s", subject,
		)
		return "", err
	}
	return signed, nil
}

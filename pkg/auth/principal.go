// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth provides the identity principal that flows through the OIDC
// server pipeline.
package auth

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal represents an authenticated resource owner (or client) whose claims
// are carried across pipeline stages. The pipeline reads principals produced by
// external authentication collaborators; it never authenticates users itself.
type Principal struct {
	// Subject is the unique identifier for the principal (from 'sub' claim).
	// This is always required per OIDC Core 1.0 spec § 5.1.
	Subject string `json:"sub"`

	// Name is the human-readable name (from 'name' claim).
	Name string `json:"name,omitempty"`

	// Email is the email address (from 'email' claim, if available).
	Email string `json:"email,omitempty"`

	// Scopes are the scopes granted to this principal.
	Scopes []string `json:"scopes,omitempty"`

	// Claims contains every claim of the principal, including the ones above.
	Claims jwt.MapClaims `json:"claims,omitempty"`
}

// NewPrincipal converts claims to a Principal.
// It requires the 'sub' claim per OIDC Core 1.0 spec § 5.1.
func NewPrincipal(claims jwt.MapClaims) (*Principal, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("missing or invalid 'sub' claim (required by OIDC Core 1.0 § 5.1)")
	}

	p := &Principal{
		Subject: sub,
		Claims:  maps.Clone(claims),
	}

	if name, ok := claims["name"].(string); ok {
		p.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		p.Email = email
	}
	p.Scopes = scopesFromClaim(claims["scope"])

	return p, nil
}

// String returns a string representation of the Principal with claims omitted.
func (p *Principal) String() string {
	if p == nil {
		return "<nil>"
	}

	return fmt.Sprintf("Principal{Subject:%q}", p.Subject)
}

// Clone returns a copy of the principal that can be mutated independently.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	c := *p
	c.Scopes = slices.Clone(p.Scopes)
	c.Claims = maps.Clone(p.Claims)
	return &c
}

// Claim returns a string claim, or "" when absent or not a string.
func (p *Principal) Claim(name string) string {
	if p == nil {
		return ""
	}
	v, _ := p.Claims[name].(string)
	return v
}

// SetClaim sets a claim. A nil value removes it.
func (p *Principal) SetClaim(name string, value any) {
	if value == nil {
		delete(p.Claims, name)
		return
	}
	if p.Claims == nil {
		p.Claims = jwt.MapClaims{}
	}
	p.Claims[name] = value
}

// SetExpiresAt sets the 'exp' claim.
func (p *Principal) SetExpiresAt(t time.Time) {
	// numeric dates must be float64 to be read back by jwt.MapClaims
	p.SetClaim("exp", float64(t.Unix()))
}

// HasScope reports whether the principal was granted the scope.
func (p *Principal) HasScope(scope string) bool {
	return p != nil && slices.Contains(p.Scopes, scope)
}

// ExpiresAt returns the 'exp' claim, if present and valid.
func (p *Principal) ExpiresAt() (time.Time, bool) {
	if p == nil || p.Claims == nil {
		return time.Time{}, false
	}
	exp, err := p.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// IsExpired reports whether the principal carries an 'exp' claim in the past.
// Principals without an expiration never expire.
func (p *Principal) IsExpired(now time.Time) bool {
	exp, ok := p.ExpiresAt()
	return ok && !now.Before(exp)
}

// Presenter returns the client the principal was issued to ('azp', then 'client_id').
func (p *Principal) Presenter() string {
	if azp := p.Claim("azp"); azp != "" {
		return azp
	}
	return p.Claim("client_id")
}

func scopesFromClaim(v any) []string {
	switch s := v.(type) {
	case string:
		return strings.Fields(s)
	case []string:
		return slices.Clone(s)
	case []any:
		scopes := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				scopes = append(scopes, str)
			}
		}
		return scopes
	}
	return nil
}

package token

import (
	"context"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/policy"
)

// Validator wraps Validate and additionally enforces per-server access
// (spec §4.6).
type Validator struct {
	svc *Service
}

func NewValidator(svc *Service) *Validator { return &Validator{svc: svc} }

// Authorize validates the token and checks serverAccess for serverID,
// returning the token on success.
func (v *Validator) Authorize(ctx context.Context, id, serverID string) (*Token, error) {
	tok, err := v.svc.Validate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ServerAccessAllowed(tok.ServerAccess, serverID) {
		return nil, apperr.Forbiddenf("token %s not permitted to access server %s", redactID(tok.ID), serverID)
	}
	return tok, nil
}

// ServerAccessAllowed implements spec §4.6's six-step serverAccess algorithm.
// serverAccess keys are exact server ids or glob patterns; values are
// allow-booleans. Exact matches win over wildcard matches at every polarity,
// and any explicit wildcard-deny beats a later wildcard-allow — the steps
// below preserve that precedence by checking deny before allow within each
// tier, exact tier before wildcard tier.
func ServerAccessAllowed(serverAccess map[string]bool, serverID string) bool {
	if len(serverAccess) == 0 {
		return true // step 1
	}

	if allow, ok := serverAccess[serverID]; ok && !allow {
		return false // step 2: exact deny
	}

	for pattern, allow := range serverAccess {
		if !containsGlob(pattern) {
			continue
		}
		if !allow && policy.MatchPattern(pattern, serverID) {
			return false // step 3: wildcard deny
		}
	}

	if allow, ok := serverAccess[serverID]; ok && allow {
		return true // step 4: exact allow
	}

	for pattern, allow := range serverAccess {
		if !containsGlob(pattern) {
			continue
		}
		if allow && policy.MatchPattern(pattern, serverID) {
			return true // step 5: wildcard allow
		}
	}

	return false // step 6: fail closed
}

func containsGlob(pattern string) bool {
	for _, r := range pattern {
		if r == '*' {
			return true
		}
	}
	return false
}

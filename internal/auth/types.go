package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Errors returned while authenticating a control API request.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
)

// Permissions understood by the control API.
const (
	PermissionRunCycle  = "cycles:run"
	PermissionReadState = "state:read"
)

// Subject is the caller behind a bearer token.
type Subject struct {
	Name        string
	Permissions []string
}

// HasPermission matches permissions case-insensitively.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	want := strings.TrimSpace(permission)
	return slices.ContainsFunc(s.Permissions, func(have string) bool {
		return strings.EqualFold(strings.TrimSpace(have), want)
	})
}

// Authorize fails with ErrPermissionDenied on the first missing permission.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm != "" && !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

package provider

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a provider is not registered.
var ErrNotFound = errors.New("provider not found")

// AuthError reports that the provider rejected the credential itself (a
// revoked refresh secret, a denied authorization). It carries only safe
// fields; raw provider payloads, which can embed secrets in nested
// fields, are never wrapped into it.
type AuthError struct {
	Code        string // OAuth error code: "invalid_grant", "access_denied", ...
	Description string
}

func (e *AuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

// IsAuthError reports whether err (anywhere in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// FlowExpiredError reports that an authorization attempt lapsed before the
// user completed it (device code expired, callback never arrived).
type FlowExpiredError struct {
	Reason string
}

func (e *FlowExpiredError) Error() string {
	if e.Reason == "" {
		return "authorization expired"
	}
	return "authorization expired: " + e.Reason
}

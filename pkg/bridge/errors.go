// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
)

var (
	// ErrNotFound is returned by the store when a peer lookup misses. This is
	// an expected condition handled by create-or-skip logic, never fatal.
	ErrNotFound = errors.New("no link found")

	// ErrConflict is returned when a link upsert would violate the 1:1
	// uniqueness invariant. It is always surfaced, never auto-resolved,
	// because it indicates the identity model was corrupted externally.
	ErrConflict = errors.New("entity already linked to a different peer")

	// ErrPermission wraps collaborator rejections (e.g. making a room public
	// without sufficient power level). The rest of the pipeline continues.
	ErrPermission = errors.New("platform denied operation")
)

// ParseError is returned by the naming resolver when a formatted name does
// not match the template it should have been produced from, typically after
// a manual out-of-band rename. Reconciliation for that field is skipped.
type ParseError struct {
	Template string
	Input    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("name %q does not match template %q", e.Input, e.Template)
}

// isTransient reports whether an error from a collaborator call is worth a
// single retry: network failures, rate limits, and server-side errors.
func isTransient(err error) bool {
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode == 429 || appErr.StatusCode >= 500
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		if errors.Is(err, mautrix.MLimitExceeded) {
			return true
		}
		return httpErr.IsStatus(502) || httpErr.IsStatus(503) || httpErr.IsStatus(504) || httpErr.IsStatus(500)
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// isPermissionDenied reports whether a collaborator rejected the operation
// for authorization reasons.
func isPermissionDenied(err error) bool {
	if errors.Is(err, mautrix.MForbidden) {
		return true
	}
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode == 403
	}
	return false
}

// withRetry runs fn, retrying exactly once if the failure looks transient.
// Permission errors are rewrapped with ErrPermission so callers can match
// with errors.Is.
func withRetry(ctx context.Context, log zerolog.Logger, op string, fn func() error) error {
	err := fn()
	if err != nil && isTransient(err) {
		log.Warn().Err(err).Str("op", op).Msg("Transient platform error, retrying once")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn()
	}
	if err != nil && isPermissionDenied(err) {
		return fmt.Errorf("%w: %s: %v", ErrPermission, op, err)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

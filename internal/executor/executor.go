// Package executor performs the individual platform calls a session needs:
// credential validation, token derivation, target resolution and the share
// action itself. Rate ceilings live here so the aggregate of all concurrent
// sessions cannot overwhelm the platform.
package executor

import (
	"context"
	"errors"
)

// Setup-step failures. The runner treats each as terminal for the session;
// per-share failures are ordinary errors and go through the retry policy.
var (
	ErrCredentialInvalid = errors.New("credential rejected by platform")
	ErrTokenUnavailable  = errors.New("execution token unavailable")
	ErrTargetUnresolved  = errors.New("target could not be resolved")
)

// Executor is the contract the session runner drives. Implementations must be
// safe for concurrent use; one executor is shared by all running sessions.
type Executor interface {
	// ValidateCredential checks the stored credential is still usable.
	ValidateCredential(ctx context.Context, credential string) error

	// DeriveToken exchanges the credential for the short-lived token the
	// share call requires.
	DeriveToken(ctx context.Context, credential string) (string, error)

	// ResolveTarget maps the submitted target URL to the platform's internal
	// identifier.
	ResolveTarget(ctx context.Context, credential, target string) (string, error)

	// Share performs one share of the resolved target. Any error counts as
	// one failed attempt; the caller decides about retries.
	Share(ctx context.Context, credential, token, targetID string) error
}

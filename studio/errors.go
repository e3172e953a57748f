/*
errors.go - Centralized error types for the attendance engine

ERROR CATEGORIES:
  1. Link errors       - InvalidLinkTarget (rejected locally, UI re-prompts)
  2. Capacity errors   - CapacityExceeded (advisory, needs confirmation)
  3. Commit errors     - AtomicCommitFailure (nothing applied, reload + recompute)
  4. Directory errors  - UnknownMember (skipped during reconciliation, logged)
  5. Ledger integrity  - LedgerDivergence (member frozen pending review)

None of these are retried by the engine. Retry is a caller concern.
*/
package studio

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidLinkTarget = errors.New("invalid replacement link target")

	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrAtomicCommitFailure wraps every failure of Store.Commit.
	ErrAtomicCommitFailure = errors.New("atomic commit failure")

	// ErrConcurrentModification is returned when the record changed since the
	// snapshot the diff was computed from.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrUnknownMember = errors.New("unknown member")

	ErrMemberFrozen = errors.New("member frozen pending ledger review")

	ErrLedgerDivergence = errors.New("ledger total diverges from balance")

	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	ErrInstanceCancelled = errors.New("session instance cancelled")
	ErrNoSuchInstance    = errors.New("session has no instance on this date")
	ErrSessionNotFound   = errors.New("session not found")
	ErrEntryNotFound     = errors.New("ledger entry not found")

	ErrInvalidStatus = errors.New("invalid status")
	ErrInvalidDate   = errors.New("invalid date")

	// ErrNotAGuest is returned for guest-only operations on an enrollee.
	ErrNotAGuest = errors.New("member is enrolled in this session")

	ErrNotWaiting = errors.New("member is not on the waiting list")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidLinkTargetError explains why a replacement link was refused.
type InvalidLinkTargetError struct {
	GuestID    MemberID
	EnrolleeID MemberID
	Reason     string
	LinkedTo   MemberID // the guest already holding the seat, if any
}

func (e *InvalidLinkTargetError) Error() string {
	if e.LinkedTo != "" {
		return fmt.Sprintf("cannot link %s to %s: %s (held by %s)", e.GuestID, e.EnrolleeID, e.Reason, e.LinkedTo)
	}
	return fmt.Sprintf("cannot link %s to %s: %s", e.GuestID, e.EnrolleeID, e.Reason)
}

func (e *InvalidLinkTargetError) Unwrap() error { return ErrInvalidLinkTarget }

// CapacityExceededError lists the newly added guests that landed in overflow.
type CapacityExceededError struct {
	Key      InstanceKey
	Capacity int
	Overflow []MemberID
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity %d exceeded for %s: %d overflow guest(s) need confirmation",
		e.Capacity, e.Key, len(e.Overflow))
}

func (e *CapacityExceededError) Unwrap() error { return ErrCapacityExceeded }

// CommitError is returned by Store.Commit. It always matches
// ErrAtomicCommitFailure and, through Cause, the underlying reason.
type CommitError struct {
	Key   InstanceKey
	Cause error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s: %v", e.Key, e.Cause)
}

func (e *CommitError) Unwrap() []error { return []error{ErrAtomicCommitFailure, e.Cause} }

// NewCommitError wraps cause unless it is already a CommitError.
func NewCommitError(key InstanceKey, cause error) error {
	var ce *CommitError
	if errors.As(cause, &ce) {
		return cause
	}
	return &CommitError{Key: key, Cause: cause}
}

type UnknownMemberError struct {
	MemberID MemberID
}

func (e *UnknownMemberError) Error() string { return fmt.Sprintf("unknown member %s", e.MemberID) }
func (e *UnknownMemberError) Unwrap() error { return ErrUnknownMember }

type NotWaitingError struct {
	MemberID MemberID
}

func (e *NotWaitingError) Error() string {
	return fmt.Sprintf("member %s is not on the waiting list", e.MemberID)
}
func (e *NotWaitingError) Unwrap() error { return ErrNotWaiting }

type MemberFrozenError struct {
	MemberID MemberID
}

func (e *MemberFrozenError) Error() string {
	return fmt.Sprintf("member %s is frozen pending ledger review", e.MemberID)
}
func (e *MemberFrozenError) Unwrap() error { return ErrMemberFrozen }

// LedgerDivergenceError is produced by the ledger audit.
type LedgerDivergenceError struct {
	MemberID       MemberID
	InitialBalance int
	LedgerSum      int
	CreditBalance  int
}

func (e *LedgerDivergenceError) Error() string {
	return fmt.Sprintf("member %s: initial %d + ledger %d != balance %d",
		e.MemberID, e.InitialBalance, e.LedgerSum, e.CreditBalance)
}

func (e *LedgerDivergenceError) Unwrap() error { return ErrLedgerDivergence }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may reload, recompute and retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidLinkTarget) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidDate) ||
		errors.Is(err, ErrNotAGuest) ||
		errors.Is(err, ErrNotWaiting) ||
		errors.Is(err, ErrInstanceCancelled) ||
		errors.Is(err, ErrNoSuchInstance)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownMember) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}

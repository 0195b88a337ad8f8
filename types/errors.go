package types

import (
	"errors"

	errorsmod "cosmossdk.io/errors"
)

// Custody sentinel errors
var (
	// Capture errors
	ErrCaptureTimeout     = errorsmod.Register(ModuleName, 2, "capture deadline exceeded")
	ErrCaptureStorage     = errorsmod.Register(ModuleName, 3, "capture storage failure")
	ErrCaptureRateLimited = errorsmod.Register(ModuleName, 4, "capture rate limit exceeded")
	ErrInvalidTrigger     = errorsmod.Register(ModuleName, 5, "invalid trigger")

	// Ledger errors
	ErrAppendConflict   = errorsmod.Register(ModuleName, 10, "append conflict")
	ErrLedgerHalted     = errorsmod.Register(ModuleName, 11, "ledger writer halted")
	ErrBlockNotFound    = errorsmod.Register(ModuleName, 12, "block not found")
	ErrIncidentNotFound = errorsmod.Register(ModuleName, 13, "incident not found")
	ErrOutOfOrder       = errorsmod.Register(ModuleName, 14, "block out of order")
	ErrChainMismatch    = errorsmod.Register(ModuleName, 15, "previous hash does not match tip")
	ErrDigestMismatch   = errorsmod.Register(ModuleName, 16, "digest mismatch")
	ErrInvalidRange     = errorsmod.Register(ModuleName, 17, "invalid block range")

	// Evidence store errors
	ErrBlobNotFound         = errorsmod.Register(ModuleName, 20, "evidence blob not found")
	ErrBlobPruned           = errorsmod.Register(ModuleName, 21, "evidence blob pruned after replication")
	ErrInsufficientReplicas = errorsmod.Register(ModuleName, 22, "insufficient confirmed replicas")
	ErrInvalidDigest        = errorsmod.Register(ModuleName, 23, "invalid digest")
	ErrInvalidOffset        = errorsmod.Register(ModuleName, 24, "invalid staging offset")

	// Integrity errors
	ErrTamperDetected = errorsmod.Register(ModuleName, 30, "tamper detected")

	// Replication errors
	ErrReplicationTransport = errorsmod.Register(ModuleName, 40, "replication transport failure")
	ErrReplicaDiverged      = errorsmod.Register(ModuleName, 41, "replica diverged from local chain")
	ErrUnauthorized         = errorsmod.Register(ModuleName, 42, "unauthorized replication peer")
	ErrUnknownSite          = errorsmod.Register(ModuleName, 43, "unknown replica site")

	// Recovery errors
	ErrRecoveryVerification = errorsmod.Register(ModuleName, 50, "recovery verification failed")
	ErrNoRecoverySource     = errorsmod.Register(ModuleName, 51, "no usable recovery source")
	ErrRecoveryInProgress   = errorsmod.Register(ModuleName, 52, "recovery already in progress")
)

var registered = []*errorsmod.Error{
	ErrCaptureTimeout, ErrCaptureStorage, ErrCaptureRateLimited, ErrInvalidTrigger,
	ErrAppendConflict, ErrLedgerHalted, ErrBlockNotFound, ErrIncidentNotFound,
	ErrOutOfOrder, ErrChainMismatch, ErrDigestMismatch, ErrInvalidRange,
	ErrBlobNotFound, ErrBlobPruned, ErrInsufficientReplicas, ErrInvalidDigest, ErrInvalidOffset,
	ErrTamperDetected,
	ErrReplicationTransport, ErrReplicaDiverged, ErrUnauthorized, ErrUnknownSite,
	ErrRecoveryVerification, ErrNoRecoverySource, ErrRecoveryInProgress,
}

// ErrorCode returns the registered code err wraps, 0 if none
func ErrorCode(err error) uint32 {
	var e *errorsmod.Error
	if errors.As(err, &e) && e.Codespace() == ModuleName {
		return e.ABCICode()
	}
	return 0
}

// ErrorFromCode wraps msg in the registered error with code, so that
// errors.Is keeps working across a process boundary
func ErrorFromCode(code uint32, msg string) (error, bool) {
	for _, e := range registered {
		if e.ABCICode() == code {
			return errorsmod.Wrap(e, msg), true
		}
	}
	return nil, false
}

// Package faults defines the error kinds shared by every Aura layer.
//
// Each family is its own type carrying a Code plus structured fields, so
// callers can branch with errors.As or the Is* helpers and tooling can map a
// family to a stable exit code.
package faults

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/aura/internal/ids"
)

// Code identifies an error kind. Codes are unique across families.
type Code string

const (
	// Journal
	CodeInvalidEvent       Code = "INVALID_EVENT"
	CodeDuplicateNonce     Code = "DUPLICATE_NONCE"
	CodeHashChainBreak     Code = "HASH_CHAIN_BREAK"
	CodeCapabilityError    Code = "CAPABILITY_ERROR"
	CodePersistenceCorrupt Code = "PERSISTENCE_CORRUPT"

	// Authorization
	CodeTokenInvalid            Code = "TOKEN_INVALID"
	CodeTokenExpired            Code = "TOKEN_EXPIRED"
	CodeRevoked                 Code = "REVOKED"
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
	CodeDelegationChainInvalid  Code = "DELEGATION_CHAIN_INVALID"

	// Budget
	CodeInsufficientFlow      Code = "INSUFFICIENT_FLOW"
	CodeLeakageBudgetExceeded Code = "LEAKAGE_BUDGET_EXCEEDED"

	// Choreography
	CodeTimeout           Code = "TIMEOUT"
	CodeProtocolViolation Code = "PROTOCOL_VIOLATION"
	CodeByzantine         Code = "BYZANTINE"
	CodeEndpointClosed    Code = "ENDPOINT_CLOSED"

	// Crypto
	CodeCommitmentMismatch Code = "COMMITMENT_MISMATCH"
	CodeAggregationFailed  Code = "AGGREGATION_FAILED"
	CodeSignatureInvalid   Code = "SIGNATURE_INVALID"

	// Transport
	CodePeerUnreachable Code = "PEER_UNREACHABLE"
	CodeDropped         Code = "DROPPED"
	CodePartitioned     Code = "PARTITIONED"

	// Scheduler
	CodeHandleUnknown Code = "HANDLE_UNKNOWN"
	CodeTimedOut      Code = "TIMED_OUT"
)

// JournalError reports a rejected append or an unreadable log.
type JournalError struct {
	Code   Code
	Reason string
	Err    error
}

func (e *JournalError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("journal: %s", e.Code)
	}
	return fmt.Sprintf("journal: %s: %s", e.Code, e.Reason)
}

func (e *JournalError) Unwrap() error { return e.Err }

func InvalidEvent(format string, args ...any) *JournalError {
	return &JournalError{Code: CodeInvalidEvent, Reason: fmt.Sprintf(format, args...)}
}

func DuplicateNonce(nonce uint64) *JournalError {
	return &JournalError{Code: CodeDuplicateNonce, Reason: fmt.Sprintf("nonce %d already used", nonce)}
}

func HashChainBreak(want, got string) *JournalError {
	return &JournalError{Code: CodeHashChainBreak, Reason: fmt.Sprintf("parent %s does not match last event %s", got, want)}
}

func CapabilityError(err error) *JournalError {
	return &JournalError{Code: CodeCapabilityError, Reason: err.Error(), Err: err}
}

func PersistenceCorrupt(reason string, err error) *JournalError {
	return &JournalError{Code: CodePersistenceCorrupt, Reason: reason, Err: err}
}

// AuthorizationError reports a failed capability or signature-threshold check.
type AuthorizationError struct {
	Code      Code
	Required  string
	Available string
	Detail    string
}

func (e *AuthorizationError) Error() string {
	switch {
	case e.Code == CodeInsufficientPermissions:
		return fmt.Sprintf("authorization: %s: required %s, available %s", e.Code, e.Required, e.Available)
	case e.Detail != "":
		return fmt.Sprintf("authorization: %s: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("authorization: %s", e.Code)
}

func TokenInvalid(detail string) *AuthorizationError {
	return &AuthorizationError{Code: CodeTokenInvalid, Detail: detail}
}

func TokenExpired(detail string) *AuthorizationError {
	return &AuthorizationError{Code: CodeTokenExpired, Detail: detail}
}

func Revoked(detail string) *AuthorizationError {
	return &AuthorizationError{Code: CodeRevoked, Detail: detail}
}

func InsufficientPermissions(required, available string) *AuthorizationError {
	return &AuthorizationError{Code: CodeInsufficientPermissions, Required: required, Available: available}
}

func DelegationChainInvalid(detail string) *AuthorizationError {
	return &AuthorizationError{Code: CodeDelegationChainInvalid, Detail: detail}
}

// BudgetError reports an overdrawn flow or leakage budget.
type BudgetError struct {
	Code    Code
	Context string
	Have    uint64
	Need    uint64
}

func (e *BudgetError) Error() string {
	if e.Code == CodeInsufficientFlow {
		return fmt.Sprintf("Insufficient flow budget: have %d, need %d", e.Have, e.Need)
	}
	return fmt.Sprintf("Leakage budget exceeded for %s: have %d bits, need %d", e.Context, e.Have, e.Need)
}

func InsufficientFlow(have, need uint64) *BudgetError {
	return &BudgetError{Code: CodeInsufficientFlow, Have: have, Need: need}
}

func LeakageBudgetExceeded(ctx string, have, need uint64) *BudgetError {
	return &BudgetError{Code: CodeLeakageBudgetExceeded, Context: ctx, Have: have, Need: need}
}

// Role names a choreography participant in an error.
type Role struct {
	Device ids.DeviceID `json:"device"`
	Index  int          `json:"index"`
}

func (r Role) String() string { return fmt.Sprintf("%s#%d", r.Device.Short(), r.Index) }

// ChoreographyError reports a failed protocol instance.
type ChoreographyError struct {
	Code    Code
	Detail  string
	Accused []Role
	Err     error
}

func (e *ChoreographyError) Error() string {
	switch e.Code {
	case CodeByzantine:
		names := make([]string, len(e.Accused))
		for i, r := range e.Accused {
			names[i] = r.String()
		}
		return fmt.Sprintf("choreography: %s: accused [%s]", e.Code, strings.Join(names, ","))
	case CodeProtocolViolation:
		return fmt.Sprintf("choreography: %s(%q)", e.Code, e.Detail)
	}
	if e.Detail != "" {
		return fmt.Sprintf("choreography: %s: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("choreography: %s", e.Code)
}

func (e *ChoreographyError) Unwrap() error { return e.Err }

func Timeout(detail string) *ChoreographyError {
	return &ChoreographyError{Code: CodeTimeout, Detail: detail}
}

func ProtocolViolation(detail string) *ChoreographyError {
	return &ChoreographyError{Code: CodeProtocolViolation, Detail: detail}
}

func Byzantine(accused ...Role) *ChoreographyError {
	return &ChoreographyError{Code: CodeByzantine, Accused: accused}
}

func EndpointClosed(detail string) *ChoreographyError {
	return &ChoreographyError{Code: CodeEndpointClosed, Detail: detail}
}

// CryptoError reports a failed commitment, aggregation or signature check.
type CryptoError struct {
	Code   Code
	Detail string
}

func (e *CryptoError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("crypto: %s", e.Code)
	}
	return fmt.Sprintf("crypto: %s: %s", e.Code, e.Detail)
}

func CommitmentMismatch(detail string) *CryptoError {
	return &CryptoError{Code: CodeCommitmentMismatch, Detail: detail}
}

func AggregationFailed(detail string) *CryptoError {
	return &CryptoError{Code: CodeAggregationFailed, Detail: detail}
}

func SignatureInvalid(detail string) *CryptoError {
	return &CryptoError{Code: CodeSignatureInvalid, Detail: detail}
}

// TransportError reports an undeliverable message.
type TransportError struct {
	Code Code
	Peer string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: peer %s: %v", e.Code, e.Peer, e.Err)
	}
	return fmt.Sprintf("transport: %s: peer %s", e.Code, e.Peer)
}

func (e *TransportError) Unwrap() error { return e.Err }

func PeerUnreachable(peer string, err error) *TransportError {
	return &TransportError{Code: CodePeerUnreachable, Peer: peer, Err: err}
}

func Dropped(peer string) *TransportError {
	return &TransportError{Code: CodeDropped, Peer: peer}
}

func Partitioned(peer string) *TransportError {
	return &TransportError{Code: CodePartitioned, Peer: peer}
}

// SchedulerError reports an unknown timeout handle or an expired wait.
type SchedulerError struct {
	Code      Code
	TimeoutMs uint64
	Handle    uint64
}

func (e *SchedulerError) Error() string {
	if e.Code == CodeTimedOut {
		return fmt.Sprintf("scheduler: %s after %dms", e.Code, e.TimeoutMs)
	}
	return fmt.Sprintf("scheduler: %s: handle %d", e.Code, e.Handle)
}

func HandleUnknown(handle uint64) *SchedulerError {
	return &SchedulerError{Code: CodeHandleUnknown, Handle: handle}
}

func TimedOut(timeoutMs uint64) *SchedulerError {
	return &SchedulerError{Code: CodeTimedOut, TimeoutMs: timeoutMs}
}

// CodeOf returns the Code of the first Aura error in err's chain, or "".
func CodeOf(err error) Code {
	var (
		je *JournalError
		ae *AuthorizationError
		be *BudgetError
		ce *ChoreographyError
		cr *CryptoError
		te *TransportError
		se *SchedulerError
	)
	switch {
	case errors.As(err, &ce):
		return ce.Code
	case errors.As(err, &je):
		return je.Code
	case errors.As(err, &ae):
		return ae.Code
	case errors.As(err, &be):
		return be.Code
	case errors.As(err, &cr):
		return cr.Code
	case errors.As(err, &te):
		return te.Code
	case errors.As(err, &se):
		return se.Code
	}
	return ""
}

// Is reports whether err carries code anywhere in its chain.
func Is(err error, code Code) bool {
	for err != nil {
		if codeOfSelf(err) == code {
			return true
		}
		if j, ok := err.(interface{ Unwrap() []error }); ok {
			for _, inner := range j.Unwrap() {
				if Is(inner, code) {
					return true
				}
			}
			return false
		}
		err = errors.Unwrap(err)
	}
	return false
}

func codeOfSelf(err error) Code {
	switch e := err.(type) {
	case *JournalError:
		return e.Code
	case *AuthorizationError:
		return e.Code
	case *BudgetError:
		return e.Code
	case *ChoreographyError:
		return e.Code
	case *CryptoError:
		return e.Code
	case *TransportError:
		return e.Code
	case *SchedulerError:
		return e.Code
	}
	return ""
}

// IsTimeout matches choreography timeouts and scheduler expiries.
func IsTimeout(err error) bool {
	return Is(err, CodeTimeout) || Is(err, CodeTimedOut)
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsByzantine returns the accused roles if err is a Byzantine fault.
func IsByzantine(err error) ([]Role, bool) {
	var ce *ChoreographyError
	if errors.As(err, &ce) && ce.Code == CodeByzantine {
		return ce.Accused, true
	}
	return nil, false
}

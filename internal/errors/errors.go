// Package errors provides the leaderboard service's typed error taxonomy.
//
// Four classes map onto spec §7: transient (retryable), invariant violation
// (drop and count, never retry), capacity (signal to caller, never retry),
// and policy (explicit error response, never retry).
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a specific failure.
type ErrorCode string

const (
	// Transient errors (1xxx) — retryable with backoff.
	ErrCodeStoreUnavailable ErrorCode = "TRANSIENT_1001"
	ErrCodeNetworkTimeout   ErrorCode = "TRANSIENT_1002"
	ErrCodeOptimisticLock   ErrorCode = "TRANSIENT_1003"
	ErrCodeDownstreamBusy   ErrorCode = "TRANSIENT_1004"

	// Invariant violations (2xxx) — drop and count, never retry.
	ErrCodeNegativeProgress   ErrorCode = "INVARIANT_2001"
	ErrCodeOutOfOrderVersion  ErrorCode = "INVARIANT_2002"
	ErrCodeDuplicateEventID   ErrorCode = "INVARIANT_2003"
	ErrCodeInvalidScoreEvent  ErrorCode = "INVARIANT_2004"

	// Capacity errors (3xxx) — signal to caller, never retry.
	ErrCodeIPRateLimited     ErrorCode = "CAPACITY_3001"
	ErrCodeQueueOverflow     ErrorCode = "CAPACITY_3002"
	ErrCodeMessageTooLarge   ErrorCode = "CAPACITY_3003"
	ErrCodeBackpressureDrop  ErrorCode = "CAPACITY_3004"

	// Policy errors (4xxx) — explicit error response, never retry.
	ErrCodeAntiCheatReject   ErrorCode = "POLICY_4001"
	ErrCodeUnauthorizedSub   ErrorCode = "POLICY_4002"
	ErrCodeRoomNotFound      ErrorCode = "POLICY_4003"
	ErrCodeRoomFull          ErrorCode = "POLICY_4004"
	ErrCodeRoomStarted       ErrorCode = "POLICY_4005"
	ErrCodeRoomLocked        ErrorCode = "POLICY_4006"
	ErrCodeKickedFromRace    ErrorCode = "POLICY_4007"
	ErrCodeNotFound          ErrorCode = "POLICY_4008"
)

// ServiceError is a structured error with a code, message, HTTP status, and
// optional details/wrapped cause.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value detail and returns the receiver for chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap creates a ServiceError around an existing cause.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Transient constructors — retryable.

func StoreUnavailable(err error) *ServiceError {
	return Wrap(ErrCodeStoreUnavailable, "shared store unavailable", http.StatusServiceUnavailable, err)
}

func NetworkTimeout(operation string, err error) *ServiceError {
	return Wrap(ErrCodeNetworkTimeout, "network timeout", http.StatusGatewayTimeout, err).
		WithDetails("operation", operation)
}

func OptimisticLockConflict(resource string) *ServiceError {
	return New(ErrCodeOptimisticLock, "optimistic concurrency conflict", http.StatusConflict).
		WithDetails("resource", resource)
}

func DownstreamBusy(service string, err error) *ServiceError {
	return Wrap(ErrCodeDownstreamBusy, "downstream rate limited", http.StatusTooManyRequests, err).
		WithDetails("service", service)
}

// Invariant-violation constructors — drop and count, never retry.

func NegativeProgress(participantID string) *ServiceError {
	return New(ErrCodeNegativeProgress, "progress cannot regress", http.StatusBadRequest).
		WithDetails("participant_id", participantID)
}

func OutOfOrderVersion(key string, got, last int64) *ServiceError {
	return New(ErrCodeOutOfOrderVersion, "delta version is not strictly increasing", http.StatusConflict).
		WithDetails("key", key).WithDetails("got", got).WithDetails("last", last)
}

func DuplicateEventID(eventID string) *ServiceError {
	return New(ErrCodeDuplicateEventID, "eventId already present in log", http.StatusConflict).
		WithDetails("event_id", eventID)
}

func InvalidScoreEvent(reason string) *ServiceError {
	return New(ErrCodeInvalidScoreEvent, "INGEST_INVALID: "+reason, http.StatusBadRequest)
}

// Capacity constructors — signal to caller, never retry.

func IPRateLimited(ip string) *ServiceError {
	return New(ErrCodeIPRateLimited, "too many connections from this address", http.StatusTooManyRequests).
		WithDetails("ip", ip)
}

func QueueOverflow(clientID string) *ServiceError {
	return New(ErrCodeQueueOverflow, "per-client message queue overflowed", http.StatusTooManyRequests).
		WithDetails("client_id", clientID)
}

func MessageTooLarge(size, max int) *ServiceError {
	return New(ErrCodeMessageTooLarge, "message exceeds maximum size", http.StatusRequestEntityTooLarge).
		WithDetails("size", size).WithDetails("max", max)
}

func BackpressureDrop(clientID string, priority string) *ServiceError {
	return New(ErrCodeBackpressureDrop, "message dropped under backpressure", http.StatusOK).
		WithDetails("client_id", clientID).WithDetails("priority", priority)
}

// Policy constructors — explicit response, never retry.

func AntiCheatReject(reason string) *ServiceError {
	return New(ErrCodeAntiCheatReject, reason, http.StatusUnprocessableEntity)
}

func UnauthorizedSubscribe(reason string) *ServiceError {
	return New(ErrCodeUnauthorizedSub, reason, http.StatusForbidden)
}

func RoomNotFound(roomCode string) *ServiceError {
	return New(ErrCodeRoomNotFound, "ROOM_NOT_FOUND", http.StatusNotFound).WithDetails("room_code", roomCode)
}

func RoomFull(roomCode string) *ServiceError {
	return New(ErrCodeRoomFull, "ROOM_FULL", http.StatusForbidden).WithDetails("room_code", roomCode)
}

func RoomStarted(roomCode string) *ServiceError {
	return New(ErrCodeRoomStarted, "ROOM_STARTED", http.StatusConflict).WithDetails("room_code", roomCode)
}

func RoomLocked(roomCode string) *ServiceError {
	return New(ErrCodeRoomLocked, "ROOM_LOCKED", http.StatusForbidden).WithDetails("room_code", roomCode)
}

func KickedFromRace(raceID string, canRequestRejoin bool) *ServiceError {
	return New(ErrCodeKickedFromRace, "KICKED_FROM_RACE", http.StatusForbidden).
		WithDetails("race_id", raceID).WithDetails("canRequestRejoin", canRequestRejoin)
}

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).WithDetails("id", id)
}

// Helper functions

// IsServiceError reports whether err is (or wraps) a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code that best maps the error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies failures across the orchestration core.
type ErrorCode string

const (
	CodeInvalidInput         ErrorCode = "invalid_input"
	CodeConflict             ErrorCode = "conflict"
	CodeConversationNotFound ErrorCode = "conversation_not_found"
	CodeInvalidTransition    ErrorCode = "invalid_transition"
	CodeNoProvider           ErrorCode = "no_provider"
	CodeProviderNotFound     ErrorCode = "provider_not_found"
	CodeProviderFailure      ErrorCode = "provider_failure"
	CodeRateLimited          ErrorCode = "rate_limited"
	CodeTimeout              ErrorCode = "timeout"
	CodeWebhookNotRegistered ErrorCode = "webhook_not_registered"
	CodeInvalidSignature     ErrorCode = "invalid_signature"
	CodeRetriesExhausted     ErrorCode = "retries_exhausted"
	CodeDeliveryFailed       ErrorCode = "delivery_failed"
)

// Error is the single typed error used by LeadPipe components. Gateway
// failures populate Service, RequestID and Retryable; other failures leave
// them empty.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Service   string    `json:"service,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
	Retryable bool      `json:"retryable"`
	Err       error     `json:"-"`
}

func (e *Error) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if e.Service != "" {
		msg = e.Service + ": " + msg
	}
	if e.Err != nil && e.Err.Error() != e.Message {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is works against the
// sentinel values below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrConversationNotFound = &Error{Code: CodeConversationNotFound, Message: "conversation not found"}
	ErrInvalidTransition    = &Error{Code: CodeInvalidTransition, Message: "invalid status transition"}
	ErrNoProvider           = &Error{Code: CodeNoProvider, Message: "no provider specified and no default configured"}
	ErrWebhookNotRegistered = &Error{Code: CodeWebhookNotRegistered, Message: "webhook not registered"}
	ErrInvalidSignature     = &Error{Code: CodeInvalidSignature, Message: "invalid webhook signature"}
	ErrRetriesExhausted     = &Error{Code: CodeRetriesExhausted, Message: "retries exhausted"}
	ErrInvalidInput         = &Error{Code: CodeInvalidInput, Message: "invalid input"}
)

// NewError builds an *Error with the current timestamp.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Timestamp: time.Now()}
}

// NewAIServiceError normalizes a provider failure.
func NewAIServiceError(service string, code ErrorCode, requestID string, retryable bool, err error) *Error {
	msg := "AI service request failed"
	if err != nil {
		msg = err.Error()
	}
	return &Error{
		Code:      code,
		Message:   msg,
		Service:   service,
		Timestamp: time.Now(),
		RequestID: requestID,
		Retryable: retryable,
		Err:       err,
	}
}

// IsRetryable reports whether err carries a retryable hint.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

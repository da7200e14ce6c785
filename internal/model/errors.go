package model

import (
	"errors"
	"fmt"
)

var (
	ErrContactNotFound  = errors.New("contact not found")
	ErrTemplateNotFound = errors.New("template version not found")
	ErrTemplateInvalid  = errors.New("template is invalid")
)

// ErrorCode is the canonical classification of a provider failure.
type ErrorCode string

const (
	CodeInvalidRecipient  ErrorCode = "INVALID_RECIPIENT"
	CodeUnsubscribed      ErrorCode = "UNSUBSCRIBED"
	CodeBlocked           ErrorCode = "BLOCKED"
	CodeHardBounce        ErrorCode = "HARD_BOUNCE"
	CodeSpamComplaint     ErrorCode = "SPAM_COMPLAINT"
	CodeAuthFailed        ErrorCode = "AUTH_FAILED"
	CodeContentRejected   ErrorCode = "CONTENT_REJECTED"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeConnectionRefused ErrorCode = "CONNECTION_REFUSED"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeUpstream5xx       ErrorCode = "UPSTREAM_5XX"
	CodeSoftBounce        ErrorCode = "SOFT_BOUNCE"
	CodeUnknown           ErrorCode = "UNKNOWN"
)

// Retryable reports whether a failure with this code is expected to be
// transient. Unclassified codes are retryable.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeInvalidRecipient, CodeUnsubscribed, CodeBlocked, CodeHardBounce,
		CodeSpamComplaint, CodeAuthFailed, CodeContentRejected:
		return false
	}
	return true
}

// SendError is a classified channel failure.
type SendError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
}

func NewSendError(code ErrorCode, message string) *SendError {
	return &SendError{Code: code, Message: message, Retryable: code.Retryable()}
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type UnrecoverableReason string

const (
	ReasonJobNotFound        UnrecoverableReason = "JOB_NOT_FOUND"
	ReasonRunNotFound        UnrecoverableReason = "RUN_NOT_FOUND"
	ReasonContactNotFound    UnrecoverableReason = "CONTACT_NOT_FOUND"
	ReasonTemplateNotFound   UnrecoverableReason = "TEMPLATE_NOT_FOUND"
	ReasonCampaignNotFound   UnrecoverableReason = "CAMPAIGN_NOT_FOUND"
	ReasonInvalidRecipient   UnrecoverableReason = "INVALID_RECIPIENT"
	ReasonTemplateInvalid    UnrecoverableReason = "TEMPLATE_INVALID"
	ReasonChannelUnsupported UnrecoverableReason = "CHANNEL_UNSUPPORTED"
)

// UnrecoverableError marks worker-level failures that retrying cannot fix.
// Jobs failing with it go straight to DEAD.
type UnrecoverableError struct {
	Reason UnrecoverableReason
	Err    error
}

func NewUnrecoverable(reason UnrecoverableReason, err error) *UnrecoverableError {
	return &UnrecoverableError{Reason: reason, Err: err}
}

func (e *UnrecoverableError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}

func IsUnrecoverable(err error) bool {
	var u *UnrecoverableError
	return errors.As(err, &u)
}

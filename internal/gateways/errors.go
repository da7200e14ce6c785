package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/valyala/fasthttp"
)

var (
	ErrNoAvailableProviders = errors.New("no available providers")
)

// ProviderError is a non-2xx answer, or a 2xx answer whose body reports a
// rejection, from a delivery provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider %s: status %d: %s: %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Temporary reports whether another provider may succeed where this one
// failed. A bare 404 points at the endpoint, not the recipient.
func (e *ProviderError) Temporary() bool {
	return e.StatusCode >= 500 || (e.StatusCode == fasthttp.StatusNotFound && !namesRecipient(e.Code))
}

// providerCodes maps provider specific rejection codes to canonical ones.
var providerCodes = map[string]model.ErrorCode{
	"INVALID_NUMBER":    model.CodeInvalidRecipient,
	"INVALID_ADDRESS":   model.CodeInvalidRecipient,
	"INVALID_TOKEN":     model.CodeInvalidRecipient,
	"UNREGISTERED":      model.CodeInvalidRecipient,
	"UNSUBSCRIBED":      model.CodeUnsubscribed,
	"OPTED_OUT":         model.CodeUnsubscribed,
	"BLOCKED":           model.CodeBlocked,
	"BLACKLISTED":       model.CodeBlocked,
	"HARD_BOUNCE":       model.CodeHardBounce,
	"SOFT_BOUNCE":       model.CodeSoftBounce,
	"MAILBOX_FULL":      model.CodeSoftBounce,
	"SPAM_COMPLAINT":    model.CodeSpamComplaint,
	"AUTH_FAILED":       model.CodeAuthFailed,
	"INVALID_API_KEY":   model.CodeAuthFailed,
	"OPERATOR_REJECTED": model.CodeContentRejected,
	"INVALID_CONTENT":   model.CodeContentRejected,
	"CONTENT_REJECTED":  model.CodeContentRejected,
	"NETWORK_ERROR":     model.CodeUpstream5xx,
	"OPERATOR_DOWN":     model.CodeUpstream5xx,
	"TIMEOUT":           model.CodeTimeout,
	"THROTTLED":         model.CodeRateLimited,
	"RATE_LIMITED":      model.CodeRateLimited,
}

// namesRecipient reports whether a provider code blames the recipient.
func namesRecipient(providerCode string) bool {
	switch ClassifyProviderCode(providerCode) {
	case model.CodeInvalidRecipient, model.CodeUnsubscribed, model.CodeBlocked, model.CodeHardBounce:
		return true
	}
	return false
}

func ClassifyProviderCode(code string) model.ErrorCode {
	if c, ok := providerCodes[code]; ok {
		return c
	}
	return model.CodeUnknown
}

// ClassifyStatus maps an HTTP answer to a canonical error code. A provider
// code in the body wins over the status for 2xx, 400 and 422 answers. A 404
// is only a bad recipient when the provider code says so.
func ClassifyStatus(status int, providerCode string) model.ErrorCode {
	switch {
	case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
		return model.CodeAuthFailed
	case status == fasthttp.StatusNotFound:
		if namesRecipient(providerCode) {
			return ClassifyProviderCode(providerCode)
		}
		return model.CodeUnknown
	case status == fasthttp.StatusGone:
		return model.CodeUnsubscribed
	case status == fasthttp.StatusTooManyRequests:
		return model.CodeRateLimited
	case status == fasthttp.StatusRequestTimeout || status == fasthttp.StatusGatewayTimeout:
		return model.CodeTimeout
	case status >= 500:
		return model.CodeUpstream5xx
	}
	if providerCode != "" {
		return ClassifyProviderCode(providerCode)
	}
	if status == fasthttp.StatusBadRequest || status == fasthttp.StatusUnprocessableEntity {
		return model.CodeContentRejected
	}
	return model.CodeUnknown
}

// ClassifyTransport maps a transport level failure to a canonical code.
func ClassifyTransport(err error) model.ErrorCode {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, fasthttp.ErrTimeout),
		errors.Is(err, fasthttp.ErrDialTimeout),
		errors.As(err, &netErr) && netErr.Timeout():
		return model.CodeTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return model.CodeConnectionRefused
	}
	return model.CodeUnknown
}

// Classify converts any error returned by a gateway call into a SendError.
func Classify(err error) *model.SendError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return model.NewSendError(ClassifyStatus(pe.StatusCode, pe.Code), pe.Error())
	}
	return model.NewSendError(ClassifyTransport(err), err.Error())
}

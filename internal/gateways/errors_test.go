package gateway

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		code   string
		want   model.ErrorCode
	}{
		{fasthttp.StatusBadRequest, "", model.CodeContentRejected},
		{fasthttp.StatusBadRequest, "INVALID_NUMBER", model.CodeInvalidRecipient},
		{fasthttp.StatusUnprocessableEntity, "OPERATOR_REJECTED", model.CodeContentRejected},
		{fasthttp.StatusUnauthorized, "", model.CodeAuthFailed},
		{fasthttp.StatusForbidden, "BLOCKED", model.CodeAuthFailed},
		{fasthttp.StatusNotFound, "", model.CodeUnknown},
		{fasthttp.StatusNotFound, "ROUTE_NOT_FOUND", model.CodeUnknown},
		{fasthttp.StatusNotFound, "INVALID_NUMBER", model.CodeInvalidRecipient},
		{fasthttp.StatusNotFound, "UNREGISTERED", model.CodeInvalidRecipient},
		{fasthttp.StatusGone, "", model.CodeUnsubscribed},
		{fasthttp.StatusTooManyRequests, "", model.CodeRateLimited},
		{fasthttp.StatusGatewayTimeout, "", model.CodeTimeout},
		{fasthttp.StatusInternalServerError, "", model.CodeUpstream5xx},
		{fasthttp.StatusServiceUnavailable, "NETWORK_ERROR", model.CodeUpstream5xx},
		{fasthttp.StatusOK, "HARD_BOUNCE", model.CodeHardBounce},
		{fasthttp.StatusOK, "WHATEVER", model.CodeUnknown},
		{fasthttp.StatusConflict, "", model.CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%s", tt.status, tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyStatus(tt.status, tt.code))
		})
	}
}

func TestClassifyTransport(t *testing.T) {
	assert.Equal(t, model.CodeTimeout, ClassifyTransport(fmt.Errorf("wrapped: %w", fasthttp.ErrTimeout)))
	assert.Equal(t, model.CodeTimeout, ClassifyTransport(context.DeadlineExceeded))
	assert.Equal(t, model.CodeConnectionRefused, ClassifyTransport(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	assert.Equal(t, model.CodeUnknown, ClassifyTransport(errors.New("boom")))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))

	se := Classify(&ProviderError{Provider: "p", StatusCode: 429, Message: "slow down"})
	assert.Equal(t, model.CodeRateLimited, se.Code)
	assert.True(t, se.Retryable)

	se = Classify(fmt.Errorf("send: %w", &ProviderError{Provider: "p", StatusCode: 410}))
	assert.Equal(t, model.CodeUnsubscribed, se.Code)
	assert.False(t, se.Retryable)
}

func TestProviderError(t *testing.T) {
	err := &ProviderError{Provider: "p", StatusCode: 400, Code: "INVALID_NUMBER", Message: "bad"}
	assert.Equal(t, "provider p: status 400: INVALID_NUMBER: bad", err.Error())
	assert.False(t, err.Temporary())
	assert.True(t, (&ProviderError{StatusCode: 503}).Temporary())
	// a wrong endpoint fails over, a rejected recipient does not
	assert.True(t, (&ProviderError{StatusCode: 404}).Temporary())
	assert.False(t, (&ProviderError{StatusCode: 404, Code: "INVALID_NUMBER"}).Temporary())
}

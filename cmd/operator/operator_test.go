package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(deliveryRate, outageRate float64, apiKey string) (*gin.Engine, *MockOperator) {
	gin.SetMode(gin.TestMode)
	op := NewMockOperator(deliveryRate, outageRate, 0, 0)
	return SetupRouter(NewHandler(op, apiKey)), op
}

func post(t *testing.T, r http.Handler, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) SendResponse {
	t.Helper()
	var resp SendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestSend_AllChannels(t *testing.T) {
	r, _ := setupRouter(1, 0, "")

	tests := []struct {
		path string
		body any
	}{
		{"/api/v1/sms/send", SMSRequest{MessageID: "m1", PhoneNumber: "+14155550101", Content: "hi"}},
		{"/api/v1/whatsapp/send", WhatsAppRequest{MessageID: "m2", To: "+14155550101", Body: "hi"}},
		{"/api/v1/email/send", EmailRequest{MessageID: "m3", To: "a@example.com", Subject: "hi", Text: "hi"}},
		{"/api/v1/push/send", PushRequest{MessageID: "m4", DeviceToken: "token-123456", Body: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := post(t, r, tt.path, tt.body)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, StatusAccepted, decode(t, w).Status)
		})
	}
}

func TestSend_InvalidRequest(t *testing.T) {
	r, _ := setupRouter(1, 0, "")
	w := post(t, r, "/api/v1/sms/send", SMSRequest{MessageID: "m1", PhoneNumber: "not-a-number", Content: "hi"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSend_Rejected(t *testing.T) {
	r, _ := setupRouter(0, 0, "")
	w := post(t, r, "/api/v1/email/send", EmailRequest{MessageID: "m1", To: "a@example.com", Subject: "s"})
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.NotEmpty(t, resp.ErrorCode)
	assert.Contains(t, append(channelErrors["email"], transientErrors...), resp.ErrorCode)
}

func TestSend_Outage(t *testing.T) {
	r, _ := setupRouter(1, 1, "")
	w := post(t, r, "/api/v1/push/send", PushRequest{MessageID: "m1", DeviceToken: "token-123456", Body: "b"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "OPERATOR_DOWN", decode(t, w).ErrorCode)
}

func TestSend_DuplicateReplaysResult(t *testing.T) {
	r, op := setupRouter(1, 0, "")
	body := SMSRequest{MessageID: "dup", PhoneNumber: "+14155550101", Content: "hi"}

	first := post(t, r, "/api/v1/sms/send", body)
	op.Configure(ptr(0.0), nil)
	second := post(t, r, "/api/v1/sms/send", body)

	assert.Empty(t, first.Header().Get("X-Duplicate"))
	assert.Equal(t, "true", second.Header().Get("X-Duplicate"))
	assert.Equal(t, StatusAccepted, decode(t, second).Status)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/messages/dup", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSend_APIKey(t *testing.T) {
	r, _ := setupRouter(1, 0, "secret")
	body := SMSRequest{MessageID: "m1", PhoneNumber: "+14155550101", Content: "hi"}

	w := post(t, r, "/api/v1/sms/send", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "AUTH_FAILED", decode(t, w).ErrorCode)

	w = post(t, r, "/api/v1/sms/send", body, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthAndConfig(t *testing.T) {
	r, op := setupRouter(1, 0, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)

	raw, _ := json.Marshal(map[string]float64{"delivery_rate": 0.5, "outage_rate": 2})
	req = httptest.NewRequest(http.MethodPut, "/api/v1/config", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	delivery, outage := op.Rates()
	assert.Equal(t, 0.5, delivery)
	assert.Equal(t, 0.0, outage)
}

func ptr[T any](v T) *T { return &v }
